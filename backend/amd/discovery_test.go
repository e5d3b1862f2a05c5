package amd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// writeCard lays down the minimal sysfs shape for one DRM card.
func writeCard(t *testing.T, sysfsRoot, cardID, driver, uevent string) string {
	t.Helper()
	deviceDir := filepath.Join(sysfsRoot, "class", "drm", cardID, "device")
	if uevent == "" {
		uevent = "DRIVER=" + driver + "\n"
	}
	writeFile(t, filepath.Join(deviceDir, "uevent"), uevent)
	return deviceDir
}

func TestDiscoverCardsFiltersByDriver(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	amdDir := writeCard(t, root, "card0", "amdgpu",
		"DRIVER=amdgpu\nPCI_SLOT_NAME=0000:0a:00.0\nPCI_ID=1002:73DF\n")
	require.NoError(t, os.MkdirAll(filepath.Join(amdDir, "drm", "renderD128"), 0o750))
	writeCard(t, root, "card1", "i915",
		"DRIVER=i915\nPCI_SLOT_NAME=0000:00:02.0\nPCI_ID=8086:9A49\n")
	writeFile(t, filepath.Join(root, "module", "amdgpu", "version"), "6.5.7\n")

	cards, err := discoverCards(context.Background(), root, discardLogger())
	require.NoError(t, err)
	require.Len(t, cards, 1)

	card := cards[0]
	assert.Equal(t, "card0", card.ID)
	assert.Equal(t, 0, card.Index)
	assert.Equal(t, "0000:0a:00.0", card.PCI)
	assert.Equal(t, "1002:73DF", card.PCIID)
	assert.Equal(t, "amdgpu", card.Family)
	assert.Equal(t, "6.5.7", card.DriverVersion)
	assert.Equal(t, "/dev/dri/renderD128", card.RenderNode)
	assert.NotEmpty(t, card.Name)
}

func TestDiscoverCardsSkipsConnectorNodes(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeCard(t, root, "card0", "amdgpu", "")
	// Connector entries share the card prefix but are not devices.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "class", "drm", "card0-DP-1"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "class", "drm", "renderD128"), 0o750))

	cards, err := discoverCards(context.Background(), root, discardLogger())
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, "card0", cards[0].ID)
}

func TestDiscoverCardsMissingDRMClass(t *testing.T) {
	t.Parallel()

	cards, err := discoverCards(context.Background(), t.TempDir(), discardLogger())
	require.NoError(t, err)
	assert.Empty(t, cards)
}

func TestDiscoverCardsOrderedByIndex(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeCard(t, root, "card2", "amdgpu", "")
	writeCard(t, root, "card0", "amdgpu", "")
	writeCard(t, root, "card10", "amdgpu", "")

	cards, err := discoverCards(context.Background(), root, discardLogger())
	require.NoError(t, err)
	require.Len(t, cards, 3)
	assert.Equal(t, "card0", cards[0].ID)
	assert.Equal(t, "card2", cards[1].ID)
	assert.Equal(t, "card10", cards[2].ID)
}

func TestParseCardName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		index int
		ok    bool
	}{
		{"card0", 0, true},
		{"card12", 12, true},
		{"card", 0, false},
		{"card0-DP-1", 0, false},
		{"renderD128", 0, false},
		{"cardX", 0, false},
	}
	for _, tc := range tests {
		index, ok := parseCardName(tc.name)
		assert.Equal(t, tc.ok, ok, "name %q", tc.name)
		if ok {
			assert.Equal(t, tc.index, index, "name %q", tc.name)
		}
	}
}
