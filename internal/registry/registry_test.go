package registry

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/devghori1264/aerophoenix/instanced/internal/adapter"
	"github.com/devghori1264/aerophoenix/instanced/internal/models"
)

func TestRegisterRejectsDuplicateIDs(t *testing.T) {
	r := New()
	if _, err := r.Register(models.InstanceState{ID: "a"}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register(models.InstanceState{ID: "a"}, nil); err == nil {
		t.Fatal("expected duplicate register to fail")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestUpdateStatusDoesNotResurrect(t *testing.T) {
	r := New()
	gen, _ := r.Register(models.InstanceState{ID: "a", Status: models.StatusInitializing}, nil)
	if _, ok := r.Unregister("a"); !ok {
		t.Fatal("unregister reported missing")
	}

	code := "X"
	if r.UpdateStatus("a", models.StatusQRPending, Patch{PairingCode: &code}) {
		t.Fatal("UpdateStatus on removed id must report false")
	}
	if tr := r.Apply("a", gen, adapter.PairingCode("X")); tr.Outcome != Stale {
		t.Fatalf("expected stale outcome, got %v", tr.Outcome)
	}
	if _, ok := r.Get("a"); ok {
		t.Fatal("state was resurrected")
	}
}

func TestApplyRejectsOldGeneration(t *testing.T) {
	r := New()
	oldGen, _ := r.Register(models.InstanceState{ID: "a", Status: models.StatusInitializing}, nil)
	r.Unregister("a")
	newGen, _ := r.Register(models.InstanceState{ID: "a", Status: models.StatusInitializing}, nil)
	if oldGen == newGen {
		t.Fatal("generations must differ across registrations")
	}

	if tr := r.Apply("a", oldGen, adapter.Connected(nil)); tr.Outcome != Stale {
		t.Fatalf("old stream must be stale, got %v", tr.Outcome)
	}
	st, _ := r.Get("a")
	if st.Status != models.StatusInitializing {
		t.Fatalf("old stream mutated new registration: %s", st.Status)
	}
}

func TestUpdateStatusPatchesOnlyPresentFields(t *testing.T) {
	r := New()
	r.Register(models.InstanceState{ID: "a", Status: models.StatusQRPending, PairingCode: "C1"}, nil)

	info := json.RawMessage(`{"jid":"1@s"}`)
	r.UpdateStatus("a", models.StatusQRPending, Patch{ConnectionInfo: &info})
	st, _ := r.Get("a")
	if st.PairingCode != "C1" || string(st.ConnectionInfo) != `{"jid":"1@s"}` {
		t.Fatalf("unexpected state %+v", st)
	}

	empty := ""
	r.UpdateStatus("a", models.StatusConnected, Patch{PairingCode: &empty})
	st, _ = r.Get("a")
	if st.PairingCode != "" || st.Status != models.StatusConnected || len(st.ConnectionInfo) == 0 {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestIgnoredEventsLeaveStateAlone(t *testing.T) {
	r := New()
	gen, _ := r.Register(models.InstanceState{ID: "a", Status: models.StatusInitializing}, nil)

	tr := r.Apply("a", gen, adapter.Disconnected("timeout"))
	if tr.Outcome != Ignored {
		t.Fatalf("expected ignored, got %v", tr.Outcome)
	}
	if tr.Forward != nil {
		t.Fatalf("ignored event forwarded: %+v", tr.Forward)
	}
	st, _ := r.Get("a")
	if st.Status != models.StatusInitializing {
		t.Fatalf("state changed on ignored event: %+v", st)
	}
}

func TestDisconnectWhilePairingDropsCode(t *testing.T) {
	r := New()
	gen, _ := r.Register(models.InstanceState{ID: "a", Status: models.StatusQRPending, PairingCode: "C1"}, nil)

	tr := r.Apply("a", gen, adapter.Disconnected("bridge connection lost"))
	if tr.Outcome != Ignored || tr.Forward != nil {
		t.Fatalf("expected ignored without forward, got %v %+v", tr.Outcome, tr.Forward)
	}
	st, _ := r.Get("a")
	if st.Status != models.StatusQRPending || st.PairingCode != "" {
		t.Fatalf("want qr_pending with no code, got %+v", st)
	}
	if tr.State.PairingCode != "" {
		t.Fatalf("transition snapshot still carries the code: %+v", tr.State)
	}

	if tr := r.Apply("a", gen, adapter.PairingCode("C2")); tr.Outcome != Applied {
		t.Fatalf("fresh code: got %v", tr.Outcome)
	}
	st, _ = r.Get("a")
	if st.PairingCode != "C2" {
		t.Fatalf("PairingCode = %q, want C2", st.PairingCode)
	}
}

func TestMessagesAreForwardedWithoutStateChange(t *testing.T) {
	r := New()
	gen, _ := r.Register(models.InstanceState{ID: "a", Status: models.StatusConnected}, nil)
	before, _ := r.Get("a")

	tr := r.Apply("a", gen, adapter.Message([]byte(`{"text":"hi"}`)))
	if tr.Outcome != Applied || tr.Forward == nil || tr.Forward.Type != models.EventMessage {
		t.Fatalf("unexpected transition %+v", tr)
	}
	if tr.Forward.ID == "" || tr.Forward.At.IsZero() {
		t.Fatalf("forward event missing id/time: %+v", tr.Forward)
	}
	after, _ := r.Get("a")
	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.Status != before.Status {
		t.Fatalf("message mutated state")
	}
}

func TestListIsSortedSummaries(t *testing.T) {
	r := New()
	for _, id := range []string{"c", "a", "b"} {
		r.Register(models.InstanceState{ID: id, Name: strings.ToUpper(id), Status: models.StatusInitializing, WebhookURL: "http://h/" + id}, nil)
	}
	list := r.List()
	if len(list) != 3 || list[0].ID != "a" || list[2].ID != "c" {
		t.Fatalf("unexpected list %+v", list)
	}
	if list[1].Name != "B" || list[1].WebhookURL != "http://h/b" {
		t.Fatalf("summary fields missing: %+v", list[1])
	}
}

func TestConcurrentStreamsAndReads(t *testing.T) {
	r := New()
	const n = 16
	gens := make([]uint64, n)
	for i := 0; i < n; i++ {
		gens[i], _ = r.Register(models.InstanceState{ID: fmt.Sprintf("i%02d", i), Status: models.StatusInitializing}, nil)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("i%02d", i)
			r.Apply(id, gens[i], adapter.PairingCode("c"))
			r.Apply(id, gens[i], adapter.Connected(nil))
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = r.List()
			}
		}()
	}
	wg.Wait()

	for _, s := range r.List() {
		if s.Status != models.StatusConnected {
			t.Fatalf("%s ended in %s", s.ID, s.Status)
		}
	}
}

func TestCollectorReportsStatusCounts(t *testing.T) {
	r := New()
	r.Register(models.InstanceState{ID: "a", Status: models.StatusConnected}, nil)
	r.Register(models.InstanceState{ID: "b", Status: models.StatusConnected}, nil)
	r.Register(models.InstanceState{ID: "c", Status: models.StatusQRPending}, nil)

	expected := `
# HELP instanced_instances Number of registered instances by pairing status.
# TYPE instanced_instances gauge
instanced_instances{status="connected"} 2
instanced_instances{status="disconnected"} 0
instanced_instances{status="initializing"} 0
instanced_instances{status="qr_pending"} 1
`
	if err := testutil.CollectAndCompare(NewCollector(r), strings.NewReader(expected)); err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}
}
