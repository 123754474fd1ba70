package recovery

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoUpdateRetries = 8

var errConflict = errors.New("recovery: concurrent update, retries exhausted")

type mongoRecord struct {
	Record  `bson:",inline"`
	Version int64 `bson:"version"`
}

// MongoStore keeps one document per subject. Update is a
// compare-and-swap on a per-document version field.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongoStore(ctx context.Context, uri, dbName, collName string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("recovery: mongo uri is empty")
	}
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "recovery: connecting to mongo")
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, errors.Wrap(err, "recovery: pinging mongo")
	}
	return &MongoStore{client: cli, coll: cli.Database(dbName).Collection(collName)}, nil
}

func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Put replaces the subject's document. The fresh version invalidates any
// compare-and-swap in flight.
func (m *MongoStore) Put(ctx context.Context, r Record) error {
	doc := mongoRecord{Record: r, Version: time.Now().UnixNano()}
	_, err := m.coll.ReplaceOne(ctx, bson.M{"_id": r.SubjectID}, doc, options.Replace().SetUpsert(true))
	return errors.Wrap(err, "recovery: writing record")
}

func (m *MongoStore) Get(ctx context.Context, subjectID string) (Record, error) {
	doc, err := m.find(ctx, subjectID)
	if err != nil {
		return Record{}, err
	}
	return doc.Record, nil
}

func (m *MongoStore) Update(ctx context.Context, subjectID string, fn func(*Record) error) error {
	for i := 0; i < mongoUpdateRetries; i++ {
		doc, err := m.find(ctx, subjectID)
		if err != nil {
			return err
		}
		r := doc.Record
		if err := fn(&r); err != nil {
			return err
		}
		next := mongoRecord{Record: r, Version: doc.Version + 1}
		res, err := m.coll.ReplaceOne(ctx, bson.M{"_id": subjectID, "version": doc.Version}, next)
		if err != nil {
			return errors.Wrap(err, "recovery: writing record")
		}
		if res.MatchedCount == 1 {
			return nil
		}
	}
	return errConflict
}

func (m *MongoStore) find(ctx context.Context, subjectID string) (mongoRecord, error) {
	var doc mongoRecord
	err := m.coll.FindOne(ctx, bson.M{"_id": subjectID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return mongoRecord{}, ErrNotFound
	}
	if err != nil {
		return mongoRecord{}, errors.Wrap(err, "recovery: reading record")
	}
	return doc, nil
}
