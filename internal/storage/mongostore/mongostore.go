// Package mongostore is a durable Storage backend over MongoDB,
// generalizing a find/insert-one repository pattern from single user
// documents to one document per (CoValueID, SessionID).
package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"cojson/internal/coval"
	"cojson/internal/crypto"
	"cojson/internal/id"
	"cojson/internal/storage"
)

// headerDoc and sessionDoc are the on-disk document shapes; they exist
// separately from coval.Header/Transaction so the wire/domain types
// never need bson tags of their own.
type headerDoc struct {
	CoValueID  string `bson:"coValueID"`
	Type       string `bson:"type"`
	RulesetTyp string `bson:"rulesetType"`
	Group      string `bson:"group,omitempty"`
	Meta       []byte `bson:"meta,omitempty"`
	CreatedAt  int64  `bson:"createdAtUnixNano"`
	Uniqueness string `bson:"uniqueness"`
}

type sessionDoc struct {
	CoValueID     string           `bson:"coValueID"`
	SessionID     string           `bson:"sessionID"`
	Transactions  []transactionDoc `bson:"transactions"`
	LastSignature []byte           `bson:"lastSignature"`
}

type transactionDoc struct {
	MadeAt  int64  `bson:"madeAt"`
	Privacy string `bson:"privacy"`
	Changes []byte `bson:"changes"`
	KeyUsed string `bson:"keyUsed,omitempty"`
}

// MongoStore talks to two collections: "coValueHeaders" and
// "coValueSessions".
type MongoStore struct {
	headers  *mongo.Collection
	sessions *mongo.Collection
}

// New wires MongoStore to database db on an already-connected client,
// taking a *mongo.Database into its constructor rather than owning
// connection lifecycle itself.
func New(db *mongo.Database) *MongoStore {
	return &MongoStore{
		headers:  db.Collection("coValueHeaders"),
		sessions: db.Collection("coValueSessions"),
	}
}

var _ storage.Storage = (*MongoStore)(nil)

func (m *MongoStore) WriteHeader(ctx context.Context, coID id.CoValueID, header coval.Header) error {
	doc := headerDoc{
		CoValueID:  string(coID),
		Type:       string(header.Type),
		RulesetTyp: string(header.Ruleset.Type),
		Group:      string(header.Ruleset.Group),
		Meta:       header.Meta,
		CreatedAt:  header.CreatedAt.UnixNano(),
		Uniqueness: header.Uniqueness,
	}
	opts := options.Replace().SetUpsert(true)
	_, err := m.headers.ReplaceOne(ctx, bson.M{"coValueID": string(coID)}, doc, opts)
	if err != nil {
		return fmt.Errorf("mongostore: write header: %w", err)
	}
	return nil
}

func (m *MongoStore) WriteTransactions(ctx context.Context, coID id.CoValueID, sessionID id.SessionID, afterIndex int, txs []coval.Transaction, lastSignature crypto.Signature) error {
	var existing sessionDoc
	err := m.sessions.FindOne(ctx, bson.M{"coValueID": string(coID), "sessionID": string(sessionID)}).Decode(&existing)
	if err != nil && err != mongo.ErrNoDocuments {
		return fmt.Errorf("mongostore: read session for append: %w", err)
	}

	docs := toTransactionDocs(txs)
	var merged []transactionDoc
	if afterIndex < 0 || afterIndex+1 > len(existing.Transactions) {
		merged = docs
	} else {
		merged = append(append([]transactionDoc(nil), existing.Transactions[:afterIndex+1]...), docs...)
	}

	update := sessionDoc{
		CoValueID:     string(coID),
		SessionID:     string(sessionID),
		Transactions:  merged,
		LastSignature: lastSignature[:],
	}
	opts := options.Replace().SetUpsert(true)
	_, err = m.sessions.ReplaceOne(ctx, bson.M{"coValueID": string(coID), "sessionID": string(sessionID)}, update, opts)
	if err != nil {
		return fmt.Errorf("mongostore: write transactions: %w", err)
	}
	return nil
}

func (m *MongoStore) ReadCoValue(ctx context.Context, coID id.CoValueID) (storage.Record, error) {
	var hdoc headerDoc
	if err := m.headers.FindOne(ctx, bson.M{"coValueID": string(coID)}).Decode(&hdoc); err != nil {
		return storage.Record{}, fmt.Errorf("mongostore: read header: %w", err)
	}

	cursor, err := m.sessions.Find(ctx, bson.M{"coValueID": string(coID)})
	if err != nil {
		return storage.Record{}, fmt.Errorf("mongostore: read sessions: %w", err)
	}
	defer cursor.Close(ctx)

	sessions := map[id.SessionID]storage.SessionRecord{}
	for cursor.Next(ctx) {
		var sdoc sessionDoc
		if err := cursor.Decode(&sdoc); err != nil {
			return storage.Record{}, fmt.Errorf("mongostore: decode session: %w", err)
		}
		var sig crypto.Signature
		copy(sig[:], sdoc.LastSignature)
		sessions[id.SessionID(sdoc.SessionID)] = storage.SessionRecord{
			Transactions:  fromTransactionDocs(sdoc.Transactions),
			LastSignature: sig,
		}
	}

	return storage.Record{Header: toHeader(hdoc), Sessions: sessions}, nil
}

func (m *MongoStore) ListCoValues(ctx context.Context) ([]id.CoValueID, error) {
	cursor, err := m.headers.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{"coValueID": 1}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: list: %w", err)
	}
	defer cursor.Close(ctx)

	var out []id.CoValueID
	for cursor.Next(ctx) {
		var hdoc headerDoc
		if err := cursor.Decode(&hdoc); err != nil {
			return nil, fmt.Errorf("mongostore: list decode: %w", err)
		}
		out = append(out, id.CoValueID(hdoc.CoValueID))
	}
	return out, nil
}

func toTransactionDocs(txs []coval.Transaction) []transactionDoc {
	out := make([]transactionDoc, len(txs))
	for i, tx := range txs {
		out[i] = transactionDoc{MadeAt: tx.MadeAt, Privacy: string(tx.Privacy), Changes: tx.Changes, KeyUsed: tx.KeyUsed}
	}
	return out
}

func fromTransactionDocs(docs []transactionDoc) []coval.Transaction {
	out := make([]coval.Transaction, len(docs))
	for i, d := range docs {
		out[i] = coval.Transaction{MadeAt: d.MadeAt, Privacy: coval.Privacy(d.Privacy), Changes: d.Changes, KeyUsed: d.KeyUsed}
	}
	return out
}

func toHeader(d headerDoc) coval.Header {
	return coval.Header{
		Type:       coval.Kind(d.Type),
		Ruleset:    coval.Ruleset{Type: coval.RulesetType(d.RulesetTyp), Group: id.CoValueID(d.Group)},
		Meta:       d.Meta,
		CreatedAt:  time.Unix(0, d.CreatedAt).UTC(),
		Uniqueness: d.Uniqueness,
	}
}
