package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"docsync/backend/internal/delta"
	"docsync/backend/internal/document"
)

// ops 以 JSON 字符串存放，避免 bson 往返改写数字类型和键顺序
type mongoDocument struct {
	ID            string        `bson:"_id"`
	Title         string        `bson:"title"`
	Owner         string        `bson:"owner"`
	Collaborators []string      `bson:"collaborators"`
	Snapshot      string        `bson:"snapshot"`
	History       []mongoChange `bson:"history"`
	CreatedAt     time.Time     `bson:"created_at"`
	UpdatedAt     time.Time     `bson:"updated_at"`
}

type mongoChange struct {
	Author    string    `bson:"author"`
	Delta     string    `bson:"delta"`
	CreatedAt time.Time `bson:"created_at"`
}

type MongoStore struct {
	c *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{c: db.Collection("documents")}
}

// Migrate 建立列表查询用的索引
func (s *MongoStore) Migrate(ctx context.Context) error {
	_, err := s.c.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner", Value: 1}, {Key: "updated_at", Value: -1}}},
		{Keys: bson.D{{Key: "collaborators", Value: 1}, {Key: "updated_at", Value: -1}}},
	})
	return err
}

func (s *MongoStore) Create(ctx context.Context, doc *document.Document) error {
	if err := prepareCreate(doc); err != nil {
		return err
	}
	md := mongoDocument{
		ID:            doc.ID,
		Title:         doc.Title,
		Owner:         doc.Owner,
		Collaborators: doc.Collaborators,
		History:       make([]mongoChange, 0, len(doc.History)),
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
	b, err := json.Marshal(doc.Snapshot)
	if err != nil {
		return err
	}
	md.Snapshot = string(b)
	for _, e := range doc.History {
		mc, err := toMongoChange(e)
		if err != nil {
			return err
		}
		md.History = append(md.History, mc)
	}
	if _, err := s.c.InsertOne(ctx, md); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: duplicate id %s", document.ErrInvalidRecord, doc.ID)
		}
		return err
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*document.Document, error) {
	var md mongoDocument
	if err := s.c.FindOne(ctx, bson.M{"_id": id}).Decode(&md); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return md.toDocument(true)
}

func (s *MongoStore) ListForUser(ctx context.Context, userID string) ([]*document.Document, error) {
	filter := bson.M{"$or": bson.A{bson.M{"owner": userID}, bson.M{"collaborators": userID}}}
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}}).
		SetProjection(bson.M{"history": 0})
	cur, err := s.c.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make([]*document.Document, 0)
	for cur.Next(ctx) {
		var md mongoDocument
		if err := cur.Decode(&md); err != nil {
			return nil, err
		}
		doc, err := md.toDocument(false)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, cur.Err()
}

func (s *MongoStore) SaveSnapshot(ctx context.Context, id string, snapshot delta.Delta) (time.Time, error) {
	if err := document.ValidateSnapshot(snapshot); err != nil {
		return time.Time{}, err
	}
	b, err := json.Marshal(snapshot)
	if err != nil {
		return time.Time{}, err
	}
	now := time.Now().UTC()
	if err := s.updateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"snapshot": string(b), "updated_at": now}}); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

func (s *MongoStore) AppendHistory(ctx context.Context, id string, entry document.ChangeEntry) error {
	if err := prepareEntry(&entry); err != nil {
		return err
	}
	mc, err := toMongoChange(entry)
	if err != nil {
		return err
	}
	return s.updateOne(ctx, bson.M{"_id": id}, bson.M{"$push": bson.M{"history": mc}})
}

func (s *MongoStore) AddCollaborator(ctx context.Context, id, userID string) error {
	res, err := s.c.UpdateOne(ctx,
		bson.M{"_id": id, "owner": bson.M{"$ne": userID}},
		bson.M{"$addToSet": bson.M{"collaborators": userID}, "$set": bson.M{"updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		// 区分文档不存在和 userID 是 owner
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: owner cannot be a collaborator", document.ErrInvalidRecord)
	}
	return nil
}

func (s *MongoStore) Rename(ctx context.Context, id, title string) error {
	return s.updateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"title": normalizeTitle(title), "updated_at": time.Now().UTC()}})
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := s.c.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) updateOne(ctx context.Context, filter, update bson.M) error {
	res, err := s.c.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func toMongoChange(e document.ChangeEntry) (mongoChange, error) {
	b, err := json.Marshal(e.Delta)
	if err != nil {
		return mongoChange{}, err
	}
	return mongoChange{Author: e.Author, Delta: string(b), CreatedAt: e.CreatedAt}, nil
}

func (md mongoDocument) toDocument(withHistory bool) (*document.Document, error) {
	snapshot, err := delta.Parse([]byte(md.Snapshot))
	if err != nil {
		return nil, fmt.Errorf("snapshot of %s: %w", md.ID, err)
	}
	doc := &document.Document{
		ID:            md.ID,
		Title:         md.Title,
		Owner:         md.Owner,
		Collaborators: md.Collaborators,
		Snapshot:      snapshot,
		CreatedAt:     md.CreatedAt,
		UpdatedAt:     md.UpdatedAt,
	}
	if doc.Collaborators == nil {
		doc.Collaborators = []string{}
	}
	if !withHistory {
		return doc, nil
	}
	doc.History = make([]document.ChangeEntry, 0, len(md.History))
	for _, mc := range md.History {
		d, err := delta.Parse([]byte(mc.Delta))
		if err != nil {
			return nil, fmt.Errorf("history of %s: %w", md.ID, err)
		}
		doc.History = append(doc.History, document.ChangeEntry{Author: mc.Author, Delta: d, CreatedAt: mc.CreatedAt})
	}
	return doc, nil
}
