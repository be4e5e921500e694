// Package delivery hands a finalized capsule to the VCS target with
// at-least-once semantics. Every push carries an idempotency key derived
// from (capsule_id, version, repo_id), so replays after a crash or a lost
// acknowledgement converge on a single commit.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"capsmith/internal/breaker"
	"capsmith/internal/capsule"
	"capsmith/internal/faults"
	"capsmith/internal/governor"
	"capsmith/internal/logging"
	"capsmith/internal/metrics"
	"capsmith/internal/store"
	"capsmith/internal/vcs"
)

// vcsCollaborator names the shared circuit and governor lane every VCS
// call runs under.
const vcsCollaborator = "vcs"

// Receipt records a completed or partially completed delivery. Stored
// beside the capsule, never inside the signed bytes.
type Receipt struct {
	CapsuleID   string    `json:"capsule_id"`
	Version     int       `json:"version"`
	RepoID      string    `json:"repo_id"`
	RepoURL     string    `json:"repo_url"`
	CommitSHA   string    `json:"commit_sha,omitempty"`
	RepoCreated bool      `json:"repo_created"`
	Partial     bool      `json:"partial,omitempty"`
	Error       string    `json:"error,omitempty"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// Deliverer pushes capsules to the VCS target.
type Deliverer struct {
	client   *vcs.Client
	store    *store.Store
	governor *governor.Governor
	breakers *breaker.Set
}

// New creates a deliverer. Every call to the VCS target acquires a
// governor permit and runs under the shared "vcs" circuit.
func New(client *vcs.Client, st *store.Store, gov *governor.Governor, breakers *breaker.Set) *Deliverer {
	return &Deliverer{client: client, store: st, governor: gov, breakers: breakers}
}

// guarded runs one VCS call behind admission control and the circuit
// breaker. Token estimate is zero: VCS traffic is metered by request
// rate and concurrency, not token volume.
func (d *Deliverer) guarded(ctx context.Context, tenant string, fn func(ctx context.Context) error) error {
	permit, err := d.governor.Acquire(ctx, vcsCollaborator, tenant, 0)
	if err != nil {
		return err
	}
	err = d.breakers.Do(ctx, vcsCollaborator, fn)
	d.governor.Release(permit, governor.Usage{Throttled: faults.KindOf(err) == faults.Throttle})
	return err
}

// Deliver pushes the capsule's packaged files to a repository for the
// tenant. Safe to call again after any failure: repository creation
// adopts an existing repo, and the push is idempotent per
// (capsule_id, version, repo_id).
func (d *Deliverer) Deliver(ctx context.Context, c *capsule.Capsule, tenant string) (*Receipt, error) {
	if c.State != capsule.StateFinalized && c.State != capsule.StateDelivered {
		return nil, faults.Newf(faults.Permanent, "delivery", "capsule %s v%d not finalized", c.ID, c.Version)
	}

	// A prior complete receipt makes redelivery a no-op.
	if prev, err := d.receipt(c.ID, c.Version); err == nil && prev != nil && !prev.Partial {
		logging.Delivery("capsule %s v%d already delivered to %s, skipping", c.ID, c.Version, prev.RepoURL)
		return prev, nil
	}

	timer := logging.StartTimer(logging.CategoryDelivery, "delivery.Deliver")
	defer timer.Stop()

	var (
		repo    *vcs.Repo
		created bool
	)
	err := d.guarded(ctx, tenant, func(ctx context.Context) error {
		var cErr error
		repo, created, cErr = d.client.CreateRepo(ctx, tenant, repoName(c), true)
		return cErr
	})
	if err != nil {
		return nil, fmt.Errorf("delivery: %w", err)
	}
	logging.Delivery("capsule %s v%d targeting repo %s (created=%v)", c.ID, c.Version, repo.ID, created)

	rcpt := &Receipt{
		CapsuleID:   c.ID,
		Version:     c.Version,
		RepoID:      repo.ID,
		RepoURL:     repo.URL,
		RepoCreated: created,
	}

	files, err := deliveryFiles(c)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s:%d:%s", c.ID, c.Version, repo.ID)
	message := fmt.Sprintf("Deliver %s v%d", c.ID, c.Version)

	var sha string
	err = d.guarded(ctx, tenant, func(ctx context.Context) error {
		var pErr error
		sha, pErr = d.client.Push(ctx, repo.ID, files, message, key)
		return pErr
	})
	if err != nil {
		// Keep a freshly created but empty repo only long enough to
		// record the partial state; tear it down so a retry starts clean.
		if created {
			delErr := d.guarded(ctx, tenant, func(ctx context.Context) error {
				return d.client.DeleteRepo(ctx, repo.ID)
			})
			if delErr != nil {
				logging.DeliveryWarn("rollback of repo %s failed: %v", repo.ID, delErr)
			}
		}
		metrics.CapsulesDelivered.WithLabelValues("partial").Inc()
		rcpt.Partial = true
		rcpt.Error = err.Error()
		rcpt.DeliveredAt = time.Now()
		if saveErr := d.saveReceipt(c, rcpt, capsule.StateFinalized); saveErr != nil {
			logging.DeliveryWarn("partial receipt for %s v%d not persisted: %v", c.ID, c.Version, saveErr)
		}
		return rcpt, fmt.Errorf("delivery: %w", err)
	}

	rcpt.CommitSHA = sha
	rcpt.DeliveredAt = time.Now()
	if err := d.saveReceipt(c, rcpt, capsule.StateDelivered); err != nil {
		return rcpt, err
	}

	metrics.CapsulesDelivered.WithLabelValues("delivered").Inc()
	logging.Audit(logging.AuditEvent{
		Type:   logging.AuditDelivery,
		Tenant: tenant,
		Detail: fmt.Sprintf("capsule %s v%d delivered to %s @ %s", c.ID, c.Version, repo.URL, sha),
	})
	logging.Delivery("capsule %s v%d delivered: %s @ %s", c.ID, c.Version, repo.URL, sha)
	return rcpt, nil
}

// LastReceipt returns the stored receipt for a capsule version, or nil.
func (d *Deliverer) LastReceipt(capsuleID string, version int) (*Receipt, error) {
	return d.receipt(capsuleID, version)
}

func (d *Deliverer) receipt(capsuleID string, version int) (*Receipt, error) {
	rec, err := d.store.GetCapsule(capsuleID, version)
	if err != nil {
		return nil, err
	}
	if len(rec.Receipt) == 0 {
		return nil, nil
	}
	var rcpt Receipt
	if err := json.Unmarshal(rec.Receipt, &rcpt); err != nil {
		return nil, faults.Newf(faults.Corruption, "delivery", "receipt for %s v%d unreadable: %v", capsuleID, version, err)
	}
	return &rcpt, nil
}

func (d *Deliverer) saveReceipt(c *capsule.Capsule, rcpt *Receipt, state string) error {
	data, err := json.Marshal(rcpt)
	if err != nil {
		return fmt.Errorf("delivery: %w", err)
	}
	if err := d.store.SetCapsuleState(c.ID, c.Version, state, data); err != nil {
		return fmt.Errorf("delivery: %w", err)
	}
	if state == capsule.StateDelivered {
		c.State = capsule.StateDelivered
	}
	return nil
}

// deliveryFiles is the packaged file set pushed to the repository.
func deliveryFiles(c *capsule.Capsule) (map[string][]byte, error) {
	files := make(map[string][]byte, len(c.Files)+len(c.Tests)+2)
	for p, b := range c.Files {
		files[p] = b
	}
	for p, b := range c.Tests {
		files[p] = b
	}
	manifest, err := json.MarshalIndent(struct {
		capsule.Manifest
		CapsuleID string `json:"capsule_id"`
		Version   int    `json:"version"`
		Signature string `json:"signature"`
	}{c.Manifest, c.ID, c.Version, c.Signature}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("delivery: %w", err)
	}
	files["capsule.json"] = append(manifest, '\n')
	report, err := json.MarshalIndent(c.Report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("delivery: %w", err)
	}
	files["report.json"] = append(report, '\n')
	return files, nil
}

func repoName(c *capsule.Capsule) string {
	name := c.Manifest.Name
	if name == "" {
		name = c.ID
	}
	name = strings.ToLower(name)
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
	return strings.Trim(name, "-")
}
