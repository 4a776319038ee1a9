package bridge

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/dialgate/voicebridge/pkg/ai"
)

func newRegisteredBridge(callID string) *Bridge {
	return New(callID, ai.Config{Provider: ai.ProviderOpenAI, APIKey: "k"},
		newFakeTransport(), nil, nil)
}

func TestRegistryRegisterLookupUnregister(t *testing.T) {
	reg := NewRegistry()
	b := newRegisteredBridge("call-1")

	if err := reg.Register("call-1", b); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok := reg.Lookup("call-1")
	if !ok || got != b {
		t.Fatal("Lookup did not return the registered bridge")
	}
	if reg.Status("call-1") != StateConnecting {
		t.Fatalf("Status = %s, want connecting", reg.Status("call-1"))
	}

	reg.Unregister("call-1")
	if _, ok := reg.Lookup("call-1"); ok {
		t.Fatal("bridge still resolvable after Unregister")
	}
	// Unregister of a missing id is a no-op.
	reg.Unregister("call-1")
}

func TestRegistryRejectsDuplicateCallID(t *testing.T) {
	reg := NewRegistry()
	first := newRegisteredBridge("call-dup")
	second := newRegisteredBridge("call-dup")

	if err := reg.Register("call-dup", first); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := reg.Register("call-dup", second)
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("second Register = %v, want ErrAlreadyRegistered", err)
	}

	// The original bridge must survive the rejected attempt.
	got, _ := reg.Lookup("call-dup")
	if got != first {
		t.Fatal("duplicate Register replaced the live bridge")
	}
}

func TestRegistryRemoveOnlyEvictsOwnEntry(t *testing.T) {
	reg := NewRegistry()
	old := newRegisteredBridge("call-r")
	successor := newRegisteredBridge("call-r")

	reg.Register("call-r", old)
	reg.Unregister("call-r")
	reg.Register("call-r", successor)

	// A late self-removal from the old bridge must not evict the successor.
	reg.remove("call-r", old)

	got, ok := reg.Lookup("call-r")
	if !ok || got != successor {
		t.Fatal("stale removal evicted the successor bridge")
	}
}

func TestRegistryConcurrentCalls(t *testing.T) {
	reg := NewRegistry()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("call-%d", i)
			b := newRegisteredBridge(id)
			if err := reg.Register(id, b); err != nil {
				t.Errorf("Register %s: %v", id, err)
				return
			}
			if _, ok := reg.Lookup(id); !ok {
				t.Errorf("Lookup %s failed", id)
			}
			reg.Unregister(id)
		}(i)
	}
	wg.Wait()

	if got := reg.Len(); got != 0 {
		t.Fatalf("Len = %d after all calls ended, want 0", got)
	}
}

func TestRegistryCloseAll(t *testing.T) {
	reg := NewRegistry()
	bridges := make([]*Bridge, 3)
	for i := range bridges {
		id := fmt.Sprintf("shutdown-%d", i)
		bridges[i] = New(id, ai.Config{Provider: ai.ProviderOpenAI, APIKey: "k"},
			newFakeTransport(), reg, nil)
		reg.Register(id, bridges[i])
	}

	reg.CloseAll()

	for _, b := range bridges {
		if b.State() != StateClosed {
			t.Fatalf("bridge %s not closed after CloseAll", b.CallID)
		}
	}
	if got := reg.Len(); got != 0 {
		t.Fatalf("Len = %d after CloseAll, want 0", got)
	}
}
