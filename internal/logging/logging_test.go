package logging

import "testing"

func TestLevelFiltering(t *testing.T) {
	Init(10, LevelWarn)
	Debug(CatSystem, "debug message", nil)
	Info(CatSystem, "info message", nil)
	Warn(CatSystem, "warn message", nil)
	Error(CatSystem, "error message", nil)

	entries := Get().GetEntries(10, nil, nil)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries at or above warn, got %d", len(entries))
	}
}

func TestRingBufferCapacity(t *testing.T) {
	Init(3, LevelDebug)
	for i := 0; i < 5; i++ {
		Info(CatSystem, "message", nil)
	}

	entries := Get().GetEntries(10, nil, nil)
	if len(entries) != 3 {
		t.Fatalf("expected ring buffer capped at 3, got %d", len(entries))
	}
}

func TestGetEntriesCategoryFilter(t *testing.T) {
	Init(10, LevelDebug)
	Info(CatReader, "reader event", nil)
	Info(CatPlugin, "plugin event", nil)

	cat := CatPlugin
	entries := Get().GetEntries(10, nil, &cat)
	if len(entries) != 1 || entries[0].Category != CatPlugin {
		t.Fatalf("expected exactly one plugin entry, got %+v", entries)
	}
}

func TestStatsCounts(t *testing.T) {
	Init(10, LevelDebug)
	Info(CatSystem, "a", nil)
	Warn(CatSystem, "b", nil)

	stats := Get().Stats()
	if stats.Total != 2 {
		t.Fatalf("expected total 2, got %d", stats.Total)
	}
	if stats.ByLevel["info"] != 1 || stats.ByLevel["warn"] != 1 {
		t.Fatalf("unexpected level breakdown: %+v", stats.ByLevel)
	}
}

func TestClearEmptiesBuffer(t *testing.T) {
	Init(10, LevelDebug)
	Info(CatSystem, "a", nil)
	Get().Clear()

	if len(Get().GetEntries(10, nil, nil)) != 0 {
		t.Fatal("expected buffer to be empty after Clear")
	}
}
