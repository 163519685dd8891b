// Package reconcile merges agent batches into the authoritative host series.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"ravenhub/internal/database"
	"ravenhub/internal/ingest"
	"ravenhub/internal/status"
)

var (
	// ErrValidation marks a malformed batch. Nothing was written.
	ErrValidation = errors.New("invalid batch")

	// ErrAuthentication marks a key that does not match the agent id.
	// Nothing was written.
	ErrAuthentication = errors.New("authentication failed")

	// ErrPersistence marks a failed unit of work. Nothing was committed.
	ErrPersistence = errors.New("persistence failed")
)

// HostDirectory reports which hosts an agent is currently assigned.
type HostDirectory interface {
	AssignedHosts(ctx context.Context, agentID string) (map[uint64]bool, error)
}

// Result is what gets relayed back to the agent.
type Result struct {
	AgentID string `json:"agent_id"`
	Ticket  string `json:"ticket,omitempty"`
	Digest  uint64 `json:"digest,omitempty"`

	// Applied lists committed samples under the agent's own identities so
	// the agent can purge them.
	Applied       []database.Sample     `json:"applied"`
	SwapHostIDs   []uint64              `json:"swap_host_ids"`
	RemoveHostIDs []uint64              `json:"remove_host_ids"`
	Samples       []database.Sample     `json:"samples"`
	Series        []database.HostSeries `json:"series"`

	Created  int  `json:"created"`
	Updated  int  `json:"updated"`
	Swapped  int  `json:"swapped"`
	Removed  int  `json:"removed"`
	Degraded bool `json:"degraded,omitempty"`
}

type Reconciler struct {
	store database.Store
	auth  ingest.Authenticator
	hosts HostDirectory
}

func New(store database.Store, auth ingest.Authenticator) *Reconciler {
	return &Reconciler{store: store, auth: auth}
}

// WithHostDirectory limits merging to hosts the directory assigns to the
// agent. Without one every reported host is accepted.
func (r *Reconciler) WithHostDirectory(hosts HostDirectory) *Reconciler {
	r.hosts = hosts
	return r
}

// Reconcile applies batch in one unit of work. Applying the same batch again
// refreshes aggregates without duplicating samples.
func (r *Reconciler) Reconcile(ctx context.Context, batch *ingest.Batch) (*Result, error) {
	if err := r.validate(batch); err != nil {
		return nil, err
	}

	log := logrus.WithFields(logrus.Fields{
		"agent_id": batch.AgentID,
		"series":   len(batch.Series),
		"samples":  len(batch.Samples),
	})

	known, err := r.knownHosts(ctx, batch.AgentID)
	if err != nil {
		log.WithError(err).WithField("stage", "hosts").Error("Failed to load host assignments")
		return nil, fmt.Errorf("%w: host assignments: %w", ErrPersistence, err)
	}

	result := &Result{
		AgentID:       batch.AgentID,
		SwapHostIDs:   batch.SwapHostIDs,
		RemoveHostIDs: batch.RemoveHostIDs,
		Samples:       batch.Samples,
	}

	stage := "begin"
	err = r.store.Update(ctx, func(tx database.Tx) error {
		stage = "status"
		interner, err := status.Load(tx)
		if err != nil {
			return err
		}

		stage = "swap"
		if result.Swapped, err = swapOwnership(tx, batch.AgentID, batch.SwapHostIDs, log); err != nil {
			return err
		}

		stage = "load"
		live, err := tx.FindSeries(database.SeriesFilter{
			AgentID:      batch.AgentID,
			LiveOnly:     true,
			WithSamples:  len(batch.Samples) > 0,
			SamplesSince: minSentAt(batch.Samples),
		})
		if err != nil {
			return err
		}
		byHost := make(map[uint64]*database.HostSeries, len(live))
		for i := range live {
			byHost[live[i].HostID] = &live[i]
		}

		for i := range batch.Samples {
			batch.Samples[i].StatusCode = interner.Code(batch.Samples[i].Status)
		}
		reported := groupBySeries(batch.Samples)

		stage = "merge"
		for i := range batch.Series {
			rs := &batch.Series[i]
			if known != nil && !known[rs.HostID] {
				log.WithField("host_id", rs.HostID).Debug("Skipping host not assigned to agent")
				continue
			}

			samples := reported[rs.ID]
			if existing, ok := byHost[rs.HostID]; ok {
				if err := mergeSeries(tx, existing, rs, samples); err != nil {
					return err
				}
				result.Updated++
			} else {
				created, err := createSeries(tx, batch.AgentID, rs, samples)
				if err != nil {
					return err
				}
				byHost[created.HostID] = created
				result.Created++
			}
			result.Applied = append(result.Applied, samples...)
		}

		stage = "remove"
		for _, hostID := range batch.RemoveHostIDs {
			existing, ok := byHost[hostID]
			if !ok {
				log.WithField("host_id", hostID).Debug("No live series to remove")
				continue
			}
			if _, err := tx.RemoveSamples(existing.ID); err != nil {
				return err
			}
			if err := tx.RemoveSeries(existing.ID); err != nil {
				return err
			}
			delete(byHost, hostID)
			result.Removed++
		}

		stage = "status_flush"
		if err := interner.Flush(tx); err != nil {
			return err
		}
		result.Degraded = interner.Degraded()

		stage = "refresh"
		result.Series, err = tx.FindSeries(database.SeriesFilter{AgentID: batch.AgentID, LiveOnly: true})
		return err
	})
	if err != nil {
		log.WithError(err).WithField("stage", stage).Error("Reconciliation failed")
		return nil, fmt.Errorf("%w: %s: %w", ErrPersistence, stage, err)
	}

	log.WithFields(logrus.Fields{
		"applied": len(result.Applied),
		"created": result.Created,
		"updated": result.Updated,
		"swapped": result.Swapped,
		"removed": result.Removed,
	}).Info("Reconciled agent batch")

	return result, nil
}

// validate checks the batch before anything is read or written.
func (r *Reconciler) validate(batch *ingest.Batch) error {
	if batch == nil {
		return fmt.Errorf("%w: empty batch", ErrValidation)
	}
	if batch.AgentID == "" {
		return fmt.Errorf("%w: agent id is required", ErrValidation)
	}
	if batch.AuthKey == "" {
		return fmt.Errorf("%w: auth key is required", ErrValidation)
	}
	if r.auth == nil || !r.auth.Valid(batch.AgentID, batch.AuthKey) {
		return fmt.Errorf("%w: agent %s", ErrAuthentication, batch.AgentID)
	}

	localIDs := make(map[uint64]bool, len(batch.Series))
	hostIDs := make(map[uint64]bool, len(batch.Series))
	for i := range batch.Series {
		rs := &batch.Series[i]
		if rs.AgentID == "" {
			rs.AgentID = batch.AgentID
		}
		if rs.AgentID != batch.AgentID {
			return fmt.Errorf("%w: series for host %d reported for agent %s by agent %s",
				ErrValidation, rs.HostID, rs.AgentID, batch.AgentID)
		}
		if hostIDs[rs.HostID] {
			return fmt.Errorf("%w: host %d reported twice", ErrValidation, rs.HostID)
		}
		if localIDs[rs.ID] {
			return fmt.Errorf("%w: series id %d reported twice", ErrValidation, rs.ID)
		}
		hostIDs[rs.HostID] = true
		localIDs[rs.ID] = true
	}

	for _, s := range batch.Samples {
		if !localIDs[s.SeriesID] {
			return fmt.Errorf("%w: sample %d references unknown series %d", ErrValidation, s.ID, s.SeriesID)
		}
	}

	return nil
}

// groupBySeries groups reported samples by the agent's series id.
func groupBySeries(samples []database.Sample) map[uint64][]database.Sample {
	grouped := make(map[uint64][]database.Sample)
	for _, s := range samples {
		grouped[s.SeriesID] = append(grouped[s.SeriesID], s)
	}
	return grouped
}

func (r *Reconciler) knownHosts(ctx context.Context, agentID string) (map[uint64]bool, error) {
	if r.hosts == nil {
		return nil, nil
	}
	return r.hosts.AssignedHosts(ctx, agentID)
}

// swapOwnership moves the live series of each host to agentID. It runs before
// the agent's rows are loaded so the merge sees the new owner.
func swapOwnership(tx database.Tx, agentID string, hostIDs []uint64, log *logrus.Entry) (int, error) {
	if len(hostIDs) == 0 {
		return 0, nil
	}

	rows, err := tx.FindSeries(database.SeriesFilter{HostIDs: hostIDs, LiveOnly: true})
	if err != nil {
		return 0, err
	}

	candidates := make(map[uint64]*database.HostSeries)
	owned := make(map[uint64]bool)
	for i := range rows {
		row := &rows[i]
		if row.AgentID == agentID {
			owned[row.HostID] = true
			continue
		}
		// One live row per (host, agent): the most recent one moves.
		if cur, ok := candidates[row.HostID]; !ok || row.Ended.After(cur.Ended) {
			candidates[row.HostID] = row
		}
	}

	swapped := 0
	for _, hostID := range hostIDs {
		row, ok := candidates[hostID]
		if owned[hostID] || !ok {
			log.WithFields(logrus.Fields{
				"host_id":       hostID,
				"already_owned": owned[hostID],
			}).Debug("Swap request matched no series")
			continue
		}

		log.WithFields(logrus.Fields{
			"host_id":    hostID,
			"series_id":  row.ID,
			"from_agent": row.AgentID,
		}).Info("Swapping host series ownership")

		row.AgentID = agentID
		if err := tx.SaveSeries(row); err != nil {
			return swapped, err
		}
		delete(candidates, hostID)
		swapped++
	}

	return swapped, nil
}

func mergeSeries(tx database.Tx, existing, reported *database.HostSeries, samples []database.Sample) error {
	existing.CopyAggregates(reported)

	seen := make(map[fingerprint]bool, len(existing.Samples)+len(samples))
	for _, s := range existing.Samples {
		seen[fingerprintOf(s)] = true
	}

	fresh := freshSamples(samples, seen)
	if err := tx.AddSamples(existing.ID, fresh); err != nil {
		return err
	}
	existing.Samples = append(existing.Samples, fresh...)

	return tx.SaveSeries(existing)
}

func createSeries(tx database.Tx, agentID string, reported *database.HostSeries, samples []database.Sample) (*database.HostSeries, error) {
	created := *reported
	created.ID = 0
	created.AgentID = agentID
	created.Epoch = 0
	created.Archived = false
	created.Compacted = false
	created.Samples = freshSamples(samples, make(map[fingerprint]bool, len(samples)))
	created.PacketsSent = len(created.Samples)

	if err := tx.AddSeries(&created); err != nil {
		return nil, err
	}
	return &created, nil
}

type fingerprint struct {
	sentAt uint32
	rtt    uint16
}

func fingerprintOf(s database.Sample) fingerprint {
	return fingerprint{sentAt: s.SentAt, rtt: s.RTT}
}

// freshSamples returns copies of the samples not in seen, with identities
// cleared for the store to assign.
func freshSamples(samples []database.Sample, seen map[fingerprint]bool) []database.Sample {
	var fresh []database.Sample
	for _, s := range samples {
		fp := fingerprintOf(s)
		if seen[fp] {
			continue
		}
		seen[fp] = true

		s.ID = 0
		s.SeriesID = 0
		s.Status = ""
		fresh = append(fresh, s)
	}
	return fresh
}

func minSentAt(samples []database.Sample) uint32 {
	if len(samples) == 0 {
		return 0
	}
	lowest := samples[0].SentAt
	for _, s := range samples[1:] {
		if s.SentAt < lowest {
			lowest = s.SentAt
		}
	}
	return lowest
}
