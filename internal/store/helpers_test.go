package store_test

import (
	"path/filepath"

	"github.com/basket/syncbox/internal/bus"
	"github.com/basket/syncbox/internal/store"
)

func openWithBus(dir string, eventBus *bus.Bus) (*store.Store, error) {
	return store.Open(filepath.Join(dir, "syncbox.db"), eventBus)
}
