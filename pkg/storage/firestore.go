package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/raterudder/gridcharge/pkg/log"
	"github.com/raterudder/gridcharge/pkg/types"
)

// FirestoreProvider implements Database using Google Cloud Firestore.
// Everything lives under installations/<installation> and each document holds
// its payload as a JSON string.
type FirestoreProvider struct {
	client       *firestore.Client
	projectID    string
	database     string
	installation string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	installation := lflag.String("firestore-installation", "default", "Document ID under the installations collection")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.installation = *installation

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	if f.installation == "" {
		return fmt.Errorf("firestore-installation cannot be empty")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) collection(name string) *firestore.CollectionRef {
	return f.client.Collection("installations").Doc(f.installation).Collection(name)
}

// decodeJSON unmarshals the "json" field of doc into v.
func decodeJSON(ctx context.Context, doc *firestore.DocumentSnapshot, kind string, v any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, kind+" doc missing json", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("%s document %s missing 'json' field: %w", kind, doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, kind+" doc json not string", slog.String("docID", doc.Ref.ID))
		return fmt.Errorf("%s document %s 'json' field is not a string", kind, doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal "+kind, slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("failed to unmarshal %s (id=%s): %w", kind, doc.Ref.ID, err)
	}
	return nil
}

// GetSessionState reads the "state/session" document.
func (f *FirestoreProvider) GetSessionState(ctx context.Context) (types.SessionState, int, error) {
	doc, err := f.collection("state").Doc("session").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.SessionState{}, 0, nil
		}
		return types.SessionState{}, 0, fmt.Errorf("failed to fetch session doc: %w", err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	var s types.SessionState
	if err := decodeJSON(ctx, doc, "session", &s); err != nil {
		return types.SessionState{}, 0, err
	}
	return s, version, nil
}

// SetSessionState replaces the "state/session" document.
func (f *FirestoreProvider) SetSessionState(ctx context.Context, state types.SessionState, version int) error {
	jsonBytes, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}
	_, err = f.collection("state").Doc("session").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save session state: %w", err)
	}
	return nil
}

// InsertAction adds an action record to the "action_history" collection.
// The document ID is the RFC3339Nano timestamp so IDs sort by time.
func (f *FirestoreProvider) InsertAction(ctx context.Context, action types.Action) error {
	jsonBytes, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}
	docID := action.Timestamp.UTC().Format(time.RFC3339Nano)
	_, err = f.collection("action_history").Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": action.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

// GetActionHistory returns the actions in [start, end) ordered by time.
func (f *FirestoreProvider) GetActionHistory(ctx context.Context, start, end time.Time) ([]types.Action, error) {
	iter := f.collection("action_history").
		Where("timestamp", ">=", start).
		Where("timestamp", "<", end).
		OrderBy("timestamp", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var actions []types.Action
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating actions: %w", err)
		}
		var a types.Action
		if err := decodeJSON(ctx, doc, "action", &a); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// GetLatestAction returns the most recent action or nil if there are none.
func (f *FirestoreProvider) GetLatestAction(ctx context.Context) (*types.Action, error) {
	iter := f.collection("action_history").
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest action doc: %w", err)
	}
	var a types.Action
	if err := decodeJSON(ctx, doc, "action", &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertPrices stores prices in the "price_history" collection keyed by the
// start of each slot, so refetching a day overwrites it.
func (f *FirestoreProvider) UpsertPrices(ctx context.Context, prices []types.Price) error {
	if len(prices) == 0 {
		return nil
	}
	bw := f.client.BulkWriter(ctx)
	coll := f.collection("price_history")
	jobs := make([]*firestore.BulkWriterJob, 0, len(prices))
	for _, p := range prices {
		if p.ValidFrom.IsZero() {
			bw.End()
			return fmt.Errorf("price missing validFrom")
		}
		jsonBytes, err := json.Marshal(p)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to marshal price: %w", err)
		}
		docID := p.ValidFrom.UTC().Format(time.RFC3339)
		job, err := bw.Set(coll.Doc(docID), map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": p.ValidFrom,
		})
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue price %s: %w", docID, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to upsert price: %w", err)
		}
	}
	return nil
}

// GetPriceHistory returns the prices starting in [start, end) ordered by time.
func (f *FirestoreProvider) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.Price, error) {
	iter := f.collection("price_history").
		Where("timestamp", ">=", start).
		Where("timestamp", "<", end).
		OrderBy("timestamp", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var prices []types.Price
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating prices: %w", err)
		}
		var p types.Price
		if err := decodeJSON(ctx, doc, "price", &p); err != nil {
			return nil, err
		}
		prices = append(prices, p)
	}
	return prices, nil
}

// UpdateESSMockState replaces the "state/ess_mock" document.
func (f *FirestoreProvider) UpdateESSMockState(ctx context.Context, state types.ESSMockState) error {
	jsonBytes, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal ess mock state: %w", err)
	}
	_, err = f.collection("state").Doc("ess_mock").Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
	})
	if err != nil {
		return fmt.Errorf("failed to save ess mock state: %w", err)
	}
	return nil
}

// GetESSMockState reads the "state/ess_mock" document. A missing document is
// the zero state.
func (f *FirestoreProvider) GetESSMockState(ctx context.Context) (types.ESSMockState, error) {
	doc, err := f.collection("state").Doc("ess_mock").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.ESSMockState{}, nil
		}
		return types.ESSMockState{}, fmt.Errorf("failed to fetch ess mock doc: %w", err)
	}
	var s types.ESSMockState
	if err := decodeJSON(ctx, doc, "ess mock", &s); err != nil {
		return types.ESSMockState{}, err
	}
	return s, nil
}
