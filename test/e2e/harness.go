// Package e2e wires real device stores, the sync engine, the HTTP client,
// and a live record server together in-process, so full sync cycles run
// against actual HTTP and actual SQLite on every side.
package e2e

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/marcus/clinsync/internal/engine"
	"github.com/marcus/clinsync/internal/peer"
	"github.com/marcus/clinsync/internal/remote"
	"github.com/marcus/clinsync/internal/store"
)

// Device is one simulated clinic workstation: its own local database and
// sync engine, authenticated as its own user.
type Device struct {
	Name   string
	UserID string
	DB     *store.DB
	Engine *engine.Engine
}

// Ctx returns a context acting as this device's user.
func (d *Device) Ctx() context.Context {
	return store.WithActor(context.Background(), d.UserID)
}

// Sync runs a full push-then-pull cycle and fails the test on error.
func (d *Device) Sync(t *testing.T) *engine.CycleResult {
	t.Helper()
	result, err := d.Engine.RunFullCycle(context.Background())
	if err != nil {
		t.Fatalf("%s: sync cycle: %v", d.Name, err)
	}
	return result
}

// SyncExpectingFailures runs a full cycle tolerating push failures, which
// conflict scenarios produce on purpose.
func (d *Device) SyncExpectingFailures(t *testing.T) *engine.CycleResult {
	t.Helper()
	result, err := d.Engine.RunFullCycle(context.Background())
	if result == nil {
		t.Fatalf("%s: sync cycle returned nothing: %v", d.Name, err)
	}
	return result
}

// Harness runs a record server over real HTTP and any number of devices
// linked to it.
type Harness struct {
	Server  *httptest.Server
	Storage *peer.Storage

	devices map[string]*Device
}

// Setup starts the record server and provisions one device per actor name.
func Setup(t *testing.T, actors ...string) *Harness {
	t.Helper()

	storage, err := peer.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open server storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	srv := peer.NewServer(peer.LoadConfig(), storage)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	h := &Harness{Server: ts, Storage: storage, devices: make(map[string]*Device)}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	for i, name := range actors {
		user, err := storage.CreateUser(name, name+"@clinic.example")
		if err != nil {
			t.Fatalf("create user %s: %v", name, err)
		}
		deviceID := fmt.Sprintf("device-%d", i+1)
		apiKey, err := storage.GenerateAPIKey(user.ID, deviceID)
		if err != nil {
			t.Fatalf("issue key for %s: %v", name, err)
		}

		db, err := store.OpenPath(filepath.Join(t.TempDir(), name+".db"))
		if err != nil {
			t.Fatalf("open device store for %s: %v", name, err)
		}
		t.Cleanup(func() { db.Close() })

		client := remote.New(ts.URL, apiKey, deviceID)
		h.devices[name] = &Device{
			Name:   name,
			UserID: user.ID,
			DB:     db,
			Engine: engine.New(db, client, quiet),
		}
	}
	return h
}

// Device returns the named device, failing the test if it was not set up.
func (h *Harness) Device(t *testing.T, name string) *Device {
	t.Helper()
	d, ok := h.devices[name]
	if !ok {
		t.Fatalf("unknown device %q", name)
	}
	return d
}
