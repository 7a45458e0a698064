package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-kivik/kivik/v4"

	"waste-sync/internal/apperrors"
)

// Document is a schemaless record of a generic resource.
type Document map[string]interface{}

// DocumentStore persists every resource that has no dedicated repository.
// Documents live under "<resource>:<id>" and carry resource_type so one
// database can hold all of them.
type DocumentStore interface {
	Insert(ctx context.Context, resource, id string, fields Document) (Document, error)
	Update(ctx context.Context, resource, id string, fields Document) (Document, error)
	Upsert(ctx context.Context, resource, id string, fields Document) (Document, error)
	Delete(ctx context.Context, resource, id string) error
	Get(ctx context.Context, resource, id string) (Document, error)
	List(ctx context.Context, resource string, filter Document) ([]Document, error)
}

type documentStore struct {
	client *kivik.Client
	dbName string
	now    func() time.Time
}

func NewDocumentStore(client *kivik.Client, dbName string) DocumentStore {
	return &documentStore{
		client: client,
		dbName: dbName,
		now:    time.Now,
	}
}

func documentID(resource, id string) string {
	return fmt.Sprintf("%s:%s", resource, id)
}

func (s *documentStore) Insert(ctx context.Context, resource, id string, fields Document) (Document, error) {
	db := s.client.DB(s.dbName)

	doc := newDocument(resource, id, fields, s.now())
	if _, err := db.Put(ctx, documentID(resource, id), doc); err != nil {
		return nil, mapError(err, fmt.Sprintf("failed to create %s", resource))
	}
	return clean(doc), nil
}

func (s *documentStore) Update(ctx context.Context, resource, id string, fields Document) (Document, error) {
	db := s.client.DB(s.dbName)
	docID := documentID(resource, id)

	var existing Document
	if err := db.Get(ctx, docID).ScanDoc(&existing); err != nil {
		return nil, mapError(err, fmt.Sprintf("failed to fetch %s for update", resource))
	}

	merge(existing, fields)
	existing["updated_at"] = s.now()

	if _, err := db.Put(ctx, docID, existing); err != nil {
		return nil, mapError(err, fmt.Sprintf("failed to update %s", resource))
	}
	return clean(existing), nil
}

func (s *documentStore) Upsert(ctx context.Context, resource, id string, fields Document) (Document, error) {
	doc, err := s.Update(ctx, resource, id, fields)
	if apperrors.Is(err, apperrors.CodeNotFound) {
		return s.Insert(ctx, resource, id, fields)
	}
	return doc, err
}

func (s *documentStore) Delete(ctx context.Context, resource, id string) error {
	db := s.client.DB(s.dbName)
	docID := documentID(resource, id)

	rev, err := db.GetRev(ctx, docID)
	if err != nil {
		return mapError(err, fmt.Sprintf("failed to fetch %s for delete", resource))
	}
	if _, err := db.Delete(ctx, docID, rev); err != nil {
		return mapError(err, fmt.Sprintf("failed to delete %s", resource))
	}
	return nil
}

func (s *documentStore) Get(ctx context.Context, resource, id string) (Document, error) {
	db := s.client.DB(s.dbName)

	var doc Document
	if err := db.Get(ctx, documentID(resource, id)).ScanDoc(&doc); err != nil {
		return nil, mapError(err, fmt.Sprintf("failed to find %s", resource))
	}
	return clean(doc), nil
}

func (s *documentStore) List(ctx context.Context, resource string, filter Document) ([]Document, error) {
	db := s.client.DB(s.dbName)

	selector := map[string]interface{}{"resource_type": resource}
	for k, v := range filter {
		if !reserved(k) {
			selector[k] = v
		}
	}

	rows := db.Find(ctx, map[string]interface{}{"selector": selector})
	if err := rows.Err(); err != nil {
		return nil, mapError(err, fmt.Sprintf("failed to list %s", resource))
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		docs = append(docs, clean(doc))
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, fmt.Sprintf("failed to list %s", resource))
	}
	return docs, nil
}

func newDocument(resource, id string, fields Document, now time.Time) Document {
	doc := Document{}
	merge(doc, fields)
	doc["id"] = id
	doc["resource_type"] = resource
	doc["created_at"] = now
	doc["updated_at"] = now
	return doc
}

// merge copies caller fields over doc. Identity and bookkeeping keys are
// never taken from the caller.
func merge(doc, fields Document) {
	for k, v := range fields {
		if reserved(k) {
			continue
		}
		doc[k] = v
	}
}

func reserved(key string) bool {
	if strings.HasPrefix(key, "_") {
		return true
	}
	switch key {
	case "id", "resource_type", "created_at", "updated_at":
		return true
	}
	return false
}

func clean(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}
