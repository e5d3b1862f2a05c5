package amd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

const drmClassPath = "class/drm"

// cardInfo is the identity of one DRM card discovered via sysfs.
type cardInfo struct {
	ID            string // "card0"
	Index         int
	PCI           string // PCI slot, e.g. "0000:03:00.0"
	PCIID         string // "vendor:device"
	Name          string
	Family        string
	DriverVersion string
	RenderNode    string // "/dev/dri/renderD128"
}

// discoverCards enumerates DRM cards bound to the amdgpu driver. Cards whose
// sysfs entries cannot be read are skipped with a warning; a missing DRM
// class directory means no cards, not an error.
func discoverCards(ctx context.Context, sysfsRoot string, logger *slog.Logger) ([]cardInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sysRoot, err := os.OpenRoot(sysfsRoot)
	if err != nil {
		return nil, fmt.Errorf("open sysfs root: %w", err)
	}
	defer sysRoot.Close()

	entries, err := fs.ReadDir(sysRoot.FS(), drmClassPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("drm class path missing", "path", filepath.Join(sysfsRoot, drmClassPath))
			return nil, nil
		}
		return nil, fmt.Errorf("read drm class dir: %w", err)
	}

	driverVersion := readDriverVersion(sysRoot)

	var cards []cardInfo
	for _, entry := range entries {
		name := entry.Name()
		index, ok := parseCardName(name)
		if !ok {
			continue
		}
		if !entry.IsDir() && entry.Type()&os.ModeSymlink == 0 {
			continue
		}

		cardRoot, err := sysRoot.OpenRoot(filepath.Join(drmClassPath, name))
		if err != nil {
			logger.Warn("failed to open card root", "card", name, "err", err)
			continue
		}

		card, err := loadCard(name, index, cardRoot)
		if cerr := cardRoot.Close(); cerr != nil {
			logger.Debug("failed to close card root", "card", name, "err", cerr)
		}
		if err != nil {
			logger.Warn("failed to load card info", "card", name, "err", err)
			continue
		}
		if card.Family != "amdgpu" && card.Family != "radeon" {
			continue
		}
		card.DriverVersion = driverVersion
		cards = append(cards, card)
	}

	sort.Slice(cards, func(i, j int) bool { return cards[i].Index < cards[j].Index })
	return cards, nil
}

func loadCard(cardID string, index int, cardRoot *os.Root) (cardInfo, error) {
	deviceRoot, err := cardRoot.OpenRoot("device")
	if err != nil {
		return cardInfo{}, fmt.Errorf("open device root: %w", err)
	}
	defer deviceRoot.Close()

	card := cardInfo{ID: cardID, Index: index}

	var subVendor, subDevice string
	if data, err := deviceRoot.ReadFile("uevent"); err == nil {
		text := string(data)
		card.PCI = parseKeyValue(text, "PCI_SLOT_NAME")
		card.PCIID = parseKeyValue(text, "PCI_ID")
		card.Family = strings.ToLower(parseKeyValue(text, "DRIVER"))
		if subsys := parseKeyValue(text, "PCI_SUBSYS_ID"); subsys != "" {
			if parts := strings.SplitN(subsys, ":", 2); len(parts) == 2 {
				subVendor, subDevice = parts[0], parts[1]
			}
		}
	}

	if card.PCIID == "" {
		if vendor, err := readTrim(deviceRoot, "vendor"); err == nil {
			if dev, err := readTrim(deviceRoot, "device"); err == nil {
				card.PCIID = strings.TrimPrefix(vendor, "0x") + ":" + strings.TrimPrefix(dev, "0x")
			}
		}
	}
	if subVendor == "" {
		subVendor, _ = readTrim(deviceRoot, "subsystem_vendor")
	}
	if subDevice == "" {
		subDevice, _ = readTrim(deviceRoot, "subsystem_device")
	}

	card.Name, _ = readTrim(deviceRoot, "product_name")
	vendorID, deviceID := splitPCIIdentifier(card.PCIID)
	resolved := lookupProductName(vendorID, deviceID, subVendor, subDevice)
	if shouldUseResolvedName(card.Name, resolved) {
		card.Name = resolved
	}
	if card.Name == "" {
		card.Name = card.Family
	}

	card.RenderNode = findRenderNode(deviceRoot)
	return card, nil
}

func findRenderNode(deviceRoot *os.Root) string {
	drmRoot, err := deviceRoot.OpenRoot("drm")
	if err != nil {
		return ""
	}
	defer drmRoot.Close()

	entries, err := fs.ReadDir(drmRoot.FS(), ".")
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "renderD") {
			return filepath.Join("/dev/dri", entry.Name())
		}
	}
	return ""
}

func readDriverVersion(sysRoot *os.Root) string {
	data, err := sysRoot.ReadFile(filepath.Join("module", "amdgpu", "version"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// parseCardName accepts bare card nodes ("card0") and rejects connector
// entries ("card0-DP-1") and render nodes.
func parseCardName(name string) (int, bool) {
	if !strings.HasPrefix(name, "card") {
		return 0, false
	}
	if strings.ContainsRune(name, '-') {
		return 0, false
	}
	suffix := name[len("card"):]
	if suffix == "" {
		return 0, false
	}
	for _, r := range suffix {
		if !unicode.IsDigit(r) {
			return 0, false
		}
	}
	index, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, false
	}
	return index, true
}

func parseKeyValue(data, key string) string {
	prefix := key + "="
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}

func readTrim(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func splitPCIIdentifier(pciID string) (vendorID, deviceID string) {
	parts := strings.SplitN(pciID, ":", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}
