package amd

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gpumon/gpumon/device"
)

// Scan ceilings. A runaway process table must not turn one accounting pass
// into an unbounded walk.
const (
	maxScannedPIDs = 32768
	maxScannedFDs  = 4096
)

// clientUsage is the fdinfo accounting for one DRM client of one process on
// this card. The same client appears on every fd a process holds open to the
// render node, so the scanner deduplicates by (pid, client id).
type clientUsage struct {
	pid       int32
	clientID  int
	vramBytes uint64
	engineNS  uint64
	hasEngine bool
}

// processScanner walks /proc looking for fds opened against one render node
// and collects their fdinfo accounting.
type processScanner struct {
	procRoot   string
	renderPath string
	renderBase string
	logger     *slog.Logger
}

func newProcessScanner(procRoot, renderNode string, logger *slog.Logger) *processScanner {
	return &processScanner{
		procRoot:   procRoot,
		renderPath: renderNode,
		renderBase: filepath.Base(renderNode),
		logger:     logger,
	}
}

// scan collects one clientUsage per (pid, client) pair. Processes that exit
// mid-scan or deny access are skipped silently; only a failure to read the
// process table itself is an error.
func (s *processScanner) scan(ctx context.Context) ([]clientUsage, error) {
	procRoot, err := os.OpenRoot(s.procRoot)
	if err != nil {
		return nil, device.Unavailablef("open proc root: %v", err)
	}
	defer procRoot.Close()

	entries, err := fs.ReadDir(procRoot.FS(), ".")
	if err != nil {
		return nil, device.Unavailablef("read proc root: %v", err)
	}

	var out []clientUsage
	scanned := 0
	for _, entry := range entries {
		if scanned >= maxScannedPIDs {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 0 {
			continue
		}

		procDir, err := procRoot.OpenRoot(entry.Name())
		if err != nil {
			continue
		}
		clients := s.scanProcess(int32(pid), procDir)
		if err := procDir.Close(); err != nil {
			s.logger.Debug("failed to close proc dir", "pid", pid, "err", err)
		}
		out = append(out, clients...)
		scanned++
	}
	return out, nil
}

func (s *processScanner) scanProcess(pid int32, procDir *os.Root) []clientUsage {
	fdEntries, err := fs.ReadDir(procDir.FS(), "fd")
	if err != nil {
		return nil
	}

	// A client's accounting repeats on every fd that shares it; keep the
	// largest sample per client. Client id 0 means the kernel did not report
	// one, so those fds each count on their own.
	byClient := make(map[int]*clientUsage)
	var unkeyed []clientUsage

	fdBase := filepath.Join(procDir.Name(), "fd")
	fdCount := 0
	for _, fdEntry := range fdEntries {
		if fdCount >= maxScannedFDs {
			break
		}
		fdCount++

		fdName := fdEntry.Name()
		target, err := procDir.Readlink(filepath.Join("fd", fdName))
		if err != nil {
			continue
		}
		if !s.matchesRenderNode(target, fdBase) {
			continue
		}

		data, err := procDir.ReadFile(filepath.Join("fdinfo", fdName))
		if err != nil {
			continue
		}
		parsed := parseFDInfo(data)
		if !parsed.hasVRAM && !parsed.hasEngine {
			continue
		}

		usage := clientUsage{
			pid:       pid,
			clientID:  parsed.clientID,
			vramBytes: parsed.vramBytes,
			engineNS:  parsed.engineNS,
			hasEngine: parsed.hasEngine,
		}
		if parsed.clientID == 0 {
			unkeyed = append(unkeyed, usage)
			continue
		}
		if prev, ok := byClient[parsed.clientID]; ok {
			if usage.vramBytes > prev.vramBytes {
				prev.vramBytes = usage.vramBytes
			}
			if usage.engineNS > prev.engineNS {
				prev.engineNS = usage.engineNS
			}
			prev.hasEngine = prev.hasEngine || usage.hasEngine
			continue
		}
		copied := usage
		byClient[parsed.clientID] = &copied
	}

	out := unkeyed
	for _, usage := range byClient {
		out = append(out, *usage)
	}
	return out
}

func (s *processScanner) matchesRenderNode(target, fdBase string) bool {
	target = strings.TrimSuffix(target, " (deleted)")
	if filepath.IsAbs(target) {
		target = filepath.Clean(target)
	} else {
		target = filepath.Clean(filepath.Join(fdBase, target))
	}
	if target == s.renderPath {
		return true
	}
	return filepath.Base(target) == s.renderBase
}
