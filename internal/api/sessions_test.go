package api

import (
	"errors"
	"testing"
	"time"

	"github.com/foxzi/broadcast/internal/campaign"
)

func newTestRegistry(ttl time.Duration) *Registry {
	factory := func(ch campaign.Channel, community string) (*campaign.Composer, error) {
		return campaign.NewComposer(campaign.ComposerConfig{
			Controller: campaign.ControllerConfig{Channel: ch, CommunityName: community},
		}, nil, nil, nil, testLogger()), nil
	}
	return NewRegistry(factory, ttl, testLogger())
}

func TestRegistryCreateGetRemove(t *testing.T) {
	r := newTestRegistry(time.Hour)

	c, err := r.Create(campaign.ChannelEmail, "Kyozo")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !c.IsOpen() {
		t.Error("created composer is not open")
	}

	got, err := r.Get(c.ID())
	if err != nil || got != c {
		t.Fatalf("Get() = %v, %v", got, err)
	}

	if err := r.Remove(c.ID()); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if c.IsOpen() {
		t.Error("removed composer is still open")
	}
	if _, err := r.Get(c.ID()); !errors.Is(err, ErrUnknownComposer) {
		t.Errorf("Get() after Remove error = %v, want ErrUnknownComposer", err)
	}
	if err := r.Remove(c.ID()); !errors.Is(err, ErrUnknownComposer) {
		t.Errorf("second Remove() error = %v, want ErrUnknownComposer", err)
	}
}

func TestRegistryRemoveClosedComposer(t *testing.T) {
	r := newTestRegistry(time.Hour)

	c, err := r.Create(campaign.ChannelWhatsApp, "Kyozo")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r.Remove(c.ID()); err != nil {
		t.Errorf("Remove() of closed composer error = %v", err)
	}
	if r.ActiveComposers() != 0 {
		t.Errorf("ActiveComposers() = %d, want 0", r.ActiveComposers())
	}
}

func TestRegistryExpire(t *testing.T) {
	r := newTestRegistry(time.Minute)

	stale, err := r.Create(campaign.ChannelWhatsApp, "Kyozo")
	if err != nil {
		t.Fatal(err)
	}

	if n := r.Expire(); n != 0 {
		t.Errorf("Expire() = %d right after creation, want 0", n)
	}

	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if n := r.Expire(); n != 1 {
		t.Fatalf("Expire() = %d, want 1", n)
	}
	if _, err := r.Get(stale.ID()); !errors.Is(err, ErrUnknownComposer) {
		t.Errorf("expired composer still registered: %v", err)
	}
}

func TestRegistryWithoutFactory(t *testing.T) {
	r := NewRegistry(nil, time.Hour, testLogger())
	if _, err := r.Create(campaign.ChannelEmail, ""); err == nil {
		t.Error("Create() without factory expected error")
	}
}

func TestRegistryStartStop(t *testing.T) {
	r := newTestRegistry(time.Hour)
	r.Start(t.Context(), 10*time.Millisecond)
	r.Stop()
	r.Stop()
}
