package plugin

import (
	"errors"
	"sync"
	"testing"

	"github.com/SimplyPrint/nfc-agent/internal/core"
	"github.com/SimplyPrint/nfc-agent/internal/spi"
)

// fakePluginReaderDriver is a minimal spi.ReaderSpi double: plugin-level
// tests only care about identity and unregistration, not APDU behavior.
type fakePluginReaderDriver struct {
	name         string
	unregistered bool
}

func (d *fakePluginReaderDriver) GetName() string                { return d.name }
func (d *fakePluginReaderDriver) OpenPhysicalChannel() error      { return nil }
func (d *fakePluginReaderDriver) ClosePhysicalChannel() error     { return nil }
func (d *fakePluginReaderDriver) IsPhysicalChannelOpen() bool     { return false }
func (d *fakePluginReaderDriver) CheckCardPresence() (bool, error) { return false, nil }
func (d *fakePluginReaderDriver) GetPowerOnData() (string, error) { return "", nil }
func (d *fakePluginReaderDriver) TransmitApdu(apdu []byte) ([]byte, error) {
	return []byte{0x6D, 0x00}, nil
}
func (d *fakePluginReaderDriver) IsContactless() bool                            { return false }
func (d *fakePluginReaderDriver) IsProtocolSupported(readerProtocol string) bool { return true }
func (d *fakePluginReaderDriver) IsCurrentProtocol(readerProtocol string) bool   { return true }
func (d *fakePluginReaderDriver) ActivateProtocol(readerProtocol, applicationProtocol string) error {
	return nil
}
func (d *fakePluginReaderDriver) DeactivateProtocol(readerProtocol string) error { return nil }
func (d *fakePluginReaderDriver) OnUnregister()                                  { d.unregistered = true }

// fakePluginDriver is a static spi.PluginSpi double whose reader set is
// fixed at construction time.
type fakePluginDriver struct {
	name         string
	readers      []spi.ReaderSpi
	searchErr    error
	unregistered bool
}

func (d *fakePluginDriver) GetName() string { return d.name }
func (d *fakePluginDriver) SearchAvailableReaders() ([]spi.ReaderSpi, error) {
	if d.searchErr != nil {
		return nil, d.searchErr
	}
	return d.readers, nil
}
func (d *fakePluginDriver) OnUnregister() { d.unregistered = true }

func TestLocalPluginRegisterScansAndRegistersReaders(t *testing.T) {
	driver := &fakePluginDriver{
		name: "p1",
		readers: []spi.ReaderSpi{
			&fakePluginReaderDriver{name: "r1"},
			&fakePluginReaderDriver{name: "r2"},
		},
	}
	p := NewLocalPlugin(driver)

	if err := p.Register(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.IsRegistered() {
		t.Fatal("expected the plugin to be registered")
	}

	names, err := p.GetReaderNames()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 readers, got %d", len(names))
	}

	r, err := p.GetReader("r1")
	if err != nil || r == nil || r.Name() != "r1" {
		t.Fatalf("expected to find reader r1, got %v, err=%v", r, err)
	}
}

func TestLocalPluginRegisterFailsOnDriverScanError(t *testing.T) {
	driver := &fakePluginDriver{name: "p1", searchErr: errors.New("usb error")}
	p := NewLocalPlugin(driver)

	err := p.Register()
	if !core.IsKind(err, core.KindPluginIO) {
		t.Fatalf("expected plugin-io error, got %v", err)
	}
	if p.IsRegistered() {
		t.Fatal("expected the plugin to remain unregistered on scan failure")
	}
}

func TestLocalPluginUnregisterClearsReadersAndDriver(t *testing.T) {
	readerDriver := &fakePluginReaderDriver{name: "r1"}
	driver := &fakePluginDriver{name: "p1", readers: []spi.ReaderSpi{readerDriver}}
	p := NewLocalPlugin(driver)
	_ = p.Register()

	p.Unregister()

	if p.IsRegistered() {
		t.Fatal("expected the plugin to be unregistered")
	}
	if !driver.unregistered {
		t.Fatal("expected the driver's OnUnregister to be called")
	}
	if p.readerCount() != 0 {
		t.Fatalf("expected the reader map to be emptied, got %d", p.readerCount())
	}
}

func TestLocalPluginOperationsFailWhenUnregistered(t *testing.T) {
	driver := &fakePluginDriver{name: "p1"}
	p := NewLocalPlugin(driver)

	if _, err := p.GetReaderNames(); !core.IsKind(err, core.KindIllegalState) {
		t.Fatalf("expected illegal-state from GetReaderNames, got %v", err)
	}
	if _, err := p.GetReader("r1"); !core.IsKind(err, core.KindIllegalState) {
		t.Fatalf("expected illegal-state from GetReader, got %v", err)
	}
	if _, err := p.GetReaders(); !core.IsKind(err, core.KindIllegalState) {
		t.Fatalf("expected illegal-state from GetReaders, got %v", err)
	}
}

// fakePoolDriver is a spi.PoolPluginSpi double minting readers on demand and
// tracking release calls, including forced failures.
type fakePoolDriver struct {
	mu          sync.Mutex
	name        string
	groupRefs   []string
	released    []string
	releaseErr  error
	nextReaderN int
}

func (d *fakePoolDriver) GetName() string { return d.name }
func (d *fakePoolDriver) GetReaderGroupReferences() ([]string, error) {
	return d.groupRefs, nil
}
func (d *fakePoolDriver) AllocateReader(groupReference string) (spi.ReaderSpi, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextReaderN++
	return &fakePluginReaderDriver{name: groupReference + "-reader"}, nil
}
func (d *fakePoolDriver) ReleaseReader(r spi.ReaderSpi) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = append(d.released, r.GetName())
	return d.releaseErr
}
func (d *fakePoolDriver) OnUnregister() {}

func TestPoolPluginAllocateAndReleaseReader(t *testing.T) {
	driver := &fakePoolDriver{name: "pool1", groupRefs: []string{"group-a"}}
	p := NewPoolPlugin(driver)
	p.Register()

	r, err := p.AllocateReader("group-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Name() != "group-a-reader" {
		t.Fatalf("unexpected reader name: %s", r.Name())
	}

	if err := p.ReleaseReader(r); err != nil {
		t.Fatalf("unexpected error releasing reader: %v", err)
	}
	if len(driver.released) != 1 {
		t.Fatalf("expected one release call, got %d", len(driver.released))
	}
}

// A pool plugin must remove the reader from its map on release even when
// the driver's own release call fails.
func TestPoolPluginReleaseReaderAlwaysRemovesFromMapOnDriverError(t *testing.T) {
	driver := &fakePoolDriver{name: "pool1", groupRefs: []string{"group-a"}, releaseErr: errors.New("release failed")}
	p := NewPoolPlugin(driver)
	p.Register()

	r, err := p.AllocateReader("group-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = p.ReleaseReader(r)
	if !core.IsKind(err, core.KindPlugin) {
		t.Fatalf("expected a plugin error wrapping the driver failure, got %v", err)
	}

	// The reader is gone from the plugin's map even though the driver's
	// release failed, and that driver release was attempted exactly once.
	if _, ok := p.readers[r.Name()]; ok {
		t.Fatal("expected the reader to be removed from the pool plugin's map")
	}
	if len(driver.released) != 1 {
		t.Fatalf("expected the driver release to have been attempted once, got %d", len(driver.released))
	}
}

func TestPoolPluginUnregisterReleasesAllReadersAndDriver(t *testing.T) {
	driver := &fakePoolDriver{name: "pool1", groupRefs: []string{"group-a"}}
	p := NewPoolPlugin(driver)
	p.Register()
	_, _ = p.AllocateReader("group-a")

	p.Unregister()

	if p.IsRegistered() {
		t.Fatal("expected the pool plugin to be unregistered")
	}
}
