package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/models"
)

const (
	callsCollection     = "calls"
	signalingCollection = "signaling"
)

// NewFirestoreClient initializes the Firebase Admin SDK and returns its
// Firestore client. Without a credentials file the SDK falls back to
// application default credentials (or FIRESTORE_EMULATOR_HOST).
func NewFirestoreClient(ctx context.Context, cfg config.FirestoreConfig) (*firestore.Client, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		// Read credentials into memory rather than handing the SDK a path
		credentials, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read firebase credentials: %w", err)
		}
		opts = append(opts, option.WithCredentialsJSON(credentials))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return client, nil
}

// FirestoreTransport keeps each call in calls/{id} and its envelopes in the
// calls/{id}/signaling subcollection
type FirestoreTransport struct {
	client *firestore.Client
	logger *zap.Logger
}

func NewFirestoreTransport(client *firestore.Client, logger *zap.Logger) *FirestoreTransport {
	return &FirestoreTransport{client: client, logger: logger.Named("firestore-signaling")}
}

// envelopeDoc stores the payload as an opaque JSON string so SDP text is
// never reshaped by the document store
type envelopeDoc struct {
	From      string    `firestore:"from"`
	To        string    `firestore:"to"`
	Type      string    `firestore:"type"`
	Payload   string    `firestore:"payload"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type envelopePayload struct {
	Description *models.SessionDescription `json:"description,omitempty"`
	Candidates  []models.ICECandidate      `json:"candidates,omitempty"`
}

func (t *FirestoreTransport) call(id string) *firestore.DocumentRef {
	return t.client.Collection(callsCollection).Doc(id)
}

func (t *FirestoreTransport) CreateSession(ctx context.Context, s models.CallSession) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	ref := t.client.Collection(callsCollection).NewDoc()
	if s.ID != "" {
		ref = t.call(s.ID)
	}
	if _, err := ref.Create(ctx, s); err != nil {
		return "", fmt.Errorf("failed to create call session: %w", err)
	}
	return ref.ID, nil
}

func (t *FirestoreTransport) GetSession(ctx context.Context, id string) (models.CallSession, error) {
	snap, err := t.call(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return models.CallSession{}, ErrSessionNotFound
	}
	if err != nil {
		return models.CallSession{}, fmt.Errorf("failed to get call session: %w", err)
	}
	return sessionFromSnapshot(snap)
}

func sessionFromSnapshot(snap *firestore.DocumentSnapshot) (models.CallSession, error) {
	var s models.CallSession
	if err := snap.DataTo(&s); err != nil {
		return models.CallSession{}, fmt.Errorf("failed to parse call session: %w", err)
	}
	s.ID = snap.Ref.ID
	return s, nil
}

func (t *FirestoreTransport) UpdateSession(ctx context.Context, id string, patch models.SessionPatch) (models.CallSession, error) {
	ref := t.call(id)
	var result models.CallSession

	err := t.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		s, err := sessionFromSnapshot(snap)
		if err != nil {
			return err
		}
		result = s
		if !s.Apply(patch) {
			return nil
		}
		result = s
		return tx.Set(ref, s)
	})
	if errors.Is(err, ErrSessionNotFound) {
		return models.CallSession{}, err
	}
	if err != nil {
		return models.CallSession{}, fmt.Errorf("failed to update call session: %w", err)
	}
	return result, nil
}

func (t *FirestoreTransport) WatchSession(ctx context.Context, id string, fn func(models.CallSession)) (Unsubscribe, error) {
	// Surface a missing session synchronously like the other transports
	if _, err := t.GetSession(ctx, id); err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	it := t.call(id).Snapshots(watchCtx)
	w := newWatcher(fn)

	go func() {
		for {
			snap, err := it.Next()
			if err != nil {
				if !isStopped(err) {
					t.logger.Warn("Call session watch failed", zap.String("session_id", id), zap.Error(err))
				}
				return
			}
			if !snap.Exists() {
				continue
			}
			s, err := sessionFromSnapshot(snap)
			if err != nil {
				t.logger.Warn("Dropping malformed call session", zap.String("session_id", id), zap.Error(err))
				continue
			}
			w.deliver(s)
		}
	}()

	return once(func() {
		w.stop()
		cancel()
		it.Stop()
	}), nil
}

func (t *FirestoreTransport) SendEnvelope(ctx context.Context, env models.SignalingEnvelope) (string, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}
	payload, err := json.Marshal(envelopePayload{Description: env.Description, Candidates: env.Candidates})
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	// Writing under a missing call would create an orphan subcollection
	if _, err := t.call(env.SessionID).Get(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return "", ErrSessionNotFound
		}
		return "", fmt.Errorf("failed to check call session: %w", err)
	}

	coll := t.call(env.SessionID).Collection(signalingCollection)
	ref := coll.NewDoc()
	if env.ID != "" {
		ref = coll.Doc(env.ID)
	}
	createdAt := env.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = ref.Set(ctx, envelopeDoc{
		From:      env.From,
		To:        env.To,
		Type:      string(env.Type),
		Payload:   string(payload),
		CreatedAt: createdAt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send envelope: %w", err)
	}
	return ref.ID, nil
}

func envelopeFromSnapshot(sessionID string, snap *firestore.DocumentSnapshot) (models.SignalingEnvelope, error) {
	var doc envelopeDoc
	if err := snap.DataTo(&doc); err != nil {
		return models.SignalingEnvelope{}, err
	}
	var payload envelopePayload
	if err := json.Unmarshal([]byte(doc.Payload), &payload); err != nil {
		return models.SignalingEnvelope{}, err
	}
	return models.SignalingEnvelope{
		ID:          snap.Ref.ID,
		SessionID:   sessionID,
		From:        doc.From,
		To:          doc.To,
		Type:        models.PayloadType(doc.Type),
		Description: payload.Description,
		Candidates:  payload.Candidates,
		CreatedAt:   doc.CreatedAt,
	}, nil
}

func (t *FirestoreTransport) envelopeQuery(sessionID string, filter Filter) firestore.Query {
	q := t.call(sessionID).Collection(signalingCollection).Query
	if filter.To != "" {
		q = q.Where("to", "==", filter.To)
	}
	if filter.From != "" {
		q = q.Where("from", "==", filter.From)
	}
	return q
}

func (t *FirestoreTransport) WatchEnvelopes(ctx context.Context, sessionID string, filter Filter, fn func(models.SignalingEnvelope)) (Unsubscribe, error) {
	q := t.envelopeQuery(sessionID, filter)

	watchCtx, cancel := context.WithCancel(context.Background())
	it := q.Snapshots(watchCtx)
	w := newWatcher(fn)

	go func() {
		for {
			snap, err := it.Next()
			if err != nil {
				if !isStopped(err) {
					t.logger.Warn("Envelope watch failed", zap.String("session_id", sessionID), zap.Error(err))
				}
				return
			}
			// The first snapshot reports every pending envelope as added
			var added []models.SignalingEnvelope
			for _, change := range snap.Changes {
				if change.Kind != firestore.DocumentAdded {
					continue
				}
				env, err := envelopeFromSnapshot(sessionID, change.Doc)
				if err != nil {
					t.logger.Warn("Dropping malformed envelope", zap.String("session_id", sessionID), zap.Error(err))
					continue
				}
				added = append(added, env)
			}
			sort.SliceStable(added, func(i, j int) bool {
				return added[i].CreatedAt.Before(added[j].CreatedAt)
			})
			for _, env := range added {
				w.deliver(env)
			}
		}
	}()

	return once(func() {
		w.stop()
		cancel()
		it.Stop()
	}), nil
}

func (t *FirestoreTransport) DeleteEnvelope(ctx context.Context, sessionID, envelopeID string) error {
	_, err := t.call(sessionID).Collection(signalingCollection).Doc(envelopeID).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to delete envelope: %w", err)
	}
	return nil
}

// PurgeEnvelopes deletes the matching documents through a BulkWriter
func (t *FirestoreTransport) PurgeEnvelopes(ctx context.Context, sessionID string, filter Filter) error {
	docs, err := t.envelopeQuery(sessionID, filter).Documents(ctx).GetAll()
	if err != nil {
		return fmt.Errorf("failed to list envelopes: %w", err)
	}
	if len(docs) == 0 {
		return nil
	}

	bw := t.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(docs))
	for _, doc := range docs {
		job, err := bw.Delete(doc.Ref)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue envelope delete: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to purge envelopes: %w", err)
		}
	}
	return nil
}

func isStopped(err error) bool {
	return errors.Is(err, iterator.Done) ||
		errors.Is(err, context.Canceled) ||
		status.Code(err) == codes.Canceled
}
