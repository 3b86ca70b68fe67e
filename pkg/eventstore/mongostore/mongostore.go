// Package mongostore provides a durable eventstore.Store backed by MongoDB,
// grounded on the teacher's features/runlog/mongo client (an insert-based
// append-only event collection with a thin collection/cursor interface for
// testability), generalized here with a unique compound index on
// (incident_id, version) that is the actual optimistic-concurrency
// mechanism required by spec.md §4.1 and §6.3: two concurrent appends
// racing on the same expected_version can insert at most one document,
// the loser's insert fails with a duplicate-key error that this package
// translates into apperrors.KindVersionConflict.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/apperrors"
	"github.com/aegis-ops/aegis/pkg/eventstore"
)

const (
	defaultEventsCollection    = "incident_events"
	defaultIncidentsCollection = "incidents"
	defaultTimeout             = 5 * time.Second
)

// Options configures the Mongo-backed event store.
type Options struct {
	Client      *mongo.Client
	Database    string
	EventsColl  string
	SummaryColl string
	Timeout     time.Duration
}

// Store implements eventstore.Store over MongoDB.
type Store struct {
	events   *mongo.Collection
	incs     *mongo.Collection
	timeout  time.Duration
}

type eventDocument struct {
	IncidentID    string    `bson:"incident_id"`
	Version       int64     `bson:"version"`
	ID            string    `bson:"event_id"`
	Kind          string    `bson:"kind"`
	Timestamp     time.Time `bson:"timestamp"`
	CorrelationID string    `bson:"correlation_id,omitempty"`
	SchemaVersion int       `bson:"schema_version"`
	Payload       []byte    `bson:"payload"`
}

type incidentDocument struct {
	IncidentID      string    `bson:"_id"`
	Status          string    `bson:"status"`
	Severity        int       `bson:"severity"`
	Kind            string    `bson:"kind"`
	SubmittingActor string    `bson:"submitting_actor"`
	Description     string    `bson:"description"`
	SubmittedAt     time.Time `bson:"submitted_at"`
	Head            int64     `bson:"head_version"`
}

// New returns a durable event store backed by MongoDB. It ensures the
// unique compound index on (incident_id, version) and secondary indexes on
// status/severity/submitted_at required by spec.md §6.3.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	eventsColl := opts.EventsColl
	if eventsColl == "" {
		eventsColl = defaultEventsCollection
	}
	summaryColl := opts.SummaryColl
	if summaryColl == "" {
		summaryColl = defaultIncidentsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	db := opts.Client.Database(opts.Database)
	events := db.Collection(eventsColl)
	incs := db.Collection(summaryColl)

	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := events.Indexes().CreateMany(ictx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "incident_id", Value: 1}, {Key: "version", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}); err != nil {
		return nil, fmt.Errorf("ensure event indexes: %w", err)
	}
	if _, err := incs.Indexes().CreateMany(ictx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "severity", Value: 1}}},
		{Keys: bson.D{{Key: "submitted_at", Value: 1}}},
	}); err != nil {
		return nil, fmt.Errorf("ensure incident indexes: %w", err)
	}

	return &Store{events: events, incs: incs, timeout: timeout}, nil
}

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, incidentID string, expectedVersion int64, event incident.Event) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var summary incidentDocument
	err := s.incs.FindOne(ctx, bson.M{"_id": incidentID}).Decode(&summary)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		// first event for this incident: head is 0.
		if expectedVersion != 0 {
			return 0, apperrors.Newf(apperrors.KindVersionConflict, "expected version %d, head is 0", expectedVersion)
		}
	case err != nil:
		return 0, apperrors.Wrap(apperrors.KindUnavailable, "load incident summary", err)
	default:
		if summary.Status == string(incident.StatusResolutionComplete) ||
			summary.Status == string(incident.StatusEscalated) ||
			summary.Status == string(incident.StatusFailed) {
			return 0, apperrors.Newf(apperrors.KindIncidentTerminated, "incident %q is terminal", incidentID)
		}
		if summary.Head != expectedVersion {
			return 0, apperrors.Newf(apperrors.KindVersionConflict, "expected version %d, head is %d", expectedVersion, summary.Head)
		}
	}

	version := expectedVersion + 1
	doc := eventDocument{
		IncidentID:    incidentID,
		Version:       version,
		ID:            event.ID,
		Kind:          string(event.Kind),
		Timestamp:     event.Timestamp.UTC(),
		CorrelationID: event.CorrelationID,
		SchemaVersion: event.SchemaVersion,
		Payload:       append([]byte(nil), event.Payload...),
	}
	if _, err := s.events.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return 0, apperrors.Newf(apperrors.KindVersionConflict, "concurrent append raced version %d", version)
		}
		return 0, apperrors.Wrap(apperrors.KindUnavailable, "insert event", err)
	}

	update := bson.M{
		"$set": bson.M{"head_version": version},
	}
	if event.Kind.Terminal() {
		update["$set"].(bson.M)["status"] = terminalStatus(event.Kind)
	}
	if expectedVersion == 0 {
		var p incident.IncidentStartedPayload
		_ = json.Unmarshal(event.Payload, &p)
		update["$set"].(bson.M)["status"] = string(incident.StatusActive)
		update["$set"].(bson.M)["severity"] = int(p.Severity)
		update["$set"].(bson.M)["kind"] = p.Kind
		update["$set"].(bson.M)["submitting_actor"] = p.SubmittingActor
		update["$set"].(bson.M)["description"] = p.Description
		update["$set"].(bson.M)["submitted_at"] = event.Timestamp.UTC()
	}
	if _, err := s.incs.UpdateByID(ctx, incidentID, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return 0, apperrors.Wrap(apperrors.KindUnavailable, "update incident summary", err)
	}

	return version, nil
}

func terminalStatus(kind incident.EventKind) string {
	switch kind {
	case incident.EventResolutionComplete:
		return string(incident.StatusResolutionComplete)
	case incident.EventEscalated:
		return string(incident.StatusEscalated)
	default:
		return string(incident.StatusFailed)
	}
}

// HeadVersion implements eventstore.Store.
func (s *Store) HeadVersion(ctx context.Context, incidentID string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var summary incidentDocument
	err := s.incs.FindOne(ctx, bson.M{"_id": incidentID}).Decode(&summary)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindUnavailable, "load incident summary", err)
	}
	return summary.Head, nil
}

// Read implements eventstore.Store.
func (s *Store) Read(ctx context.Context, incidentID string, fromVersion int64) ([]incident.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if fromVersion < 1 {
		fromVersion = 1
	}
	cur, err := s.events.Find(ctx,
		bson.M{"incident_id": incidentID, "version": bson.M{"$gte": fromVersion}},
		options.Find().SetSort(bson.D{{Key: "version", Value: 1}}),
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "find events", err)
	}
	defer cur.Close(ctx)

	var out []incident.Event
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, apperrors.Wrap(apperrors.KindUnavailable, "decode event", err)
		}
		out = append(out, incident.Event{
			ID:            doc.ID,
			IncidentID:    doc.IncidentID,
			Version:       doc.Version,
			Timestamp:     doc.Timestamp,
			Kind:          incident.EventKind(doc.Kind),
			CorrelationID: doc.CorrelationID,
			SchemaVersion: doc.SchemaVersion,
			Payload:       doc.Payload,
		})
	}
	return out, cur.Err()
}

// ReplayState implements eventstore.Store.
func (s *Store) ReplayState(ctx context.Context, incidentID string) (incident.Incident, error) {
	events, err := s.Read(ctx, incidentID, 1)
	if err != nil {
		return incident.Incident{}, err
	}
	inc, seen := eventstore.Project(events)
	if !seen {
		return incident.Incident{}, eventstore.ErrIncidentNotFound(incidentID)
	}
	return inc, nil
}

// Subscribe implements eventstore.Store by polling Read on a short interval
// until a terminal event is observed or ctx is canceled. A production
// deployment would tail the oplog via a change stream; polling keeps this
// adapter dependency-free while preserving the documented subscribe
// contract (historical events, then live events, ending at terminal).
func (s *Store) Subscribe(ctx context.Context, incidentID string, fromVersion int64) (<-chan incident.Event, error) {
	out := make(chan incident.Event, 256)
	go func() {
		defer close(out)
		next := fromVersion
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			events, err := s.Read(ctx, incidentID, next)
			if err == nil {
				for _, ev := range events {
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
					next = ev.Version + 1
					if ev.Kind.Terminal() {
						return
					}
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

// ListIncidents implements eventstore.Store.
func (s *Store) ListIncidents(ctx context.Context, filter eventstore.ListFilter) ([]incident.Incident, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	q := bson.M{}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}
	if filter.MinSeverity != 0 {
		q["severity"] = bson.M{"$gte": int(filter.MinSeverity)}
	}
	if filter.SubmittedAfter != 0 || filter.SubmittedBefore != 0 {
		rng := bson.M{}
		if filter.SubmittedAfter != 0 {
			rng["$gte"] = time.Unix(filter.SubmittedAfter, 0).UTC()
		}
		if filter.SubmittedBefore != 0 {
			rng["$lte"] = time.Unix(filter.SubmittedBefore, 0).UTC()
		}
		q["submitted_at"] = rng
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "submitted_at", Value: 1}})
	if filter.Limit > 0 {
		findOpts.SetLimit(int64(filter.Limit))
	}

	cur, err := s.incs.Find(ctx, q, findOpts)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "find incidents", err)
	}
	defer cur.Close(ctx)

	var out []incident.Incident
	for cur.Next(ctx) {
		var doc incidentDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, apperrors.Wrap(apperrors.KindUnavailable, "decode incident", err)
		}
		out = append(out, incident.Incident{
			ID:              doc.IncidentID,
			Kind:            doc.Kind,
			Severity:        incident.Severity(doc.Severity),
			SubmittedAt:     doc.SubmittedAt,
			SubmittingActor: doc.SubmittingActor,
			Description:     doc.Description,
			Version:         doc.Head,
			Status:          incident.Status(doc.Status),
		})
	}
	return out, cur.Err()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
