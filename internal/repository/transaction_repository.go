package repository

import (
	"context"
	"fmt"

	"github.com/go-kivik/kivik/v4"

	"waste-sync/internal/domain"
)

const transactionDocType = "waste_sale"

type TransactionFilter struct {
	SellerID   string
	RecyclerID string
	Status     domain.TransactionStatus
}

type TransactionRepository interface {
	Create(ctx context.Context, tx *domain.WasteTransaction) error
	FindByID(ctx context.Context, id string) (*domain.WasteTransaction, error)
	Update(ctx context.Context, tx *domain.WasteTransaction) error
	List(ctx context.Context, filter TransactionFilter) ([]*domain.WasteTransaction, error)
}

type transactionDoc struct {
	DocID string `json:"_id,omitempty"`
	Rev   string `json:"_rev,omitempty"`
	Type  string `json:"type"`
	domain.WasteTransaction
}

type transactionRepository struct {
	client *kivik.Client
	dbName string
}

func NewTransactionRepository(client *kivik.Client, dbName string) TransactionRepository {
	return &transactionRepository{
		client: client,
		dbName: dbName,
	}
}

func transactionDocID(id string) string {
	return fmt.Sprintf("waste-sale:%s", id)
}

func (r *transactionRepository) Create(ctx context.Context, tx *domain.WasteTransaction) error {
	db := r.client.DB(r.dbName)

	doc := transactionDoc{Type: transactionDocType, WasteTransaction: *tx}
	rev, err := db.Put(ctx, transactionDocID(tx.ID), doc)
	if err != nil {
		return mapError(err, "failed to create transaction")
	}
	tx.Rev = rev
	return nil
}

func (r *transactionRepository) FindByID(ctx context.Context, id string) (*domain.WasteTransaction, error) {
	db := r.client.DB(r.dbName)

	var doc transactionDoc
	if err := db.Get(ctx, transactionDocID(id)).ScanDoc(&doc); err != nil {
		return nil, mapError(err, "failed to find transaction")
	}
	doc.WasteTransaction.Rev = doc.Rev
	return &doc.WasteTransaction, nil
}

// Update replaces the whole document in one write, so status, code and
// payment fields always change together. The write carries the revision tx
// was read at; CouchDB answers 409 when another writer got there first.
func (r *transactionRepository) Update(ctx context.Context, tx *domain.WasteTransaction) error {
	db := r.client.DB(r.dbName)

	doc := transactionDoc{Rev: tx.Rev, Type: transactionDocType, WasteTransaction: *tx}
	rev, err := db.Put(ctx, transactionDocID(tx.ID), doc)
	if err != nil {
		return mapError(err, "failed to update transaction")
	}
	tx.Rev = rev
	return nil
}

func (r *transactionRepository) List(ctx context.Context, filter TransactionFilter) ([]*domain.WasteTransaction, error) {
	db := r.client.DB(r.dbName)

	selector := map[string]interface{}{"type": transactionDocType}
	if filter.SellerID != "" {
		selector["sellerId"] = filter.SellerID
	}
	if filter.RecyclerID != "" {
		selector["recyclerId"] = filter.RecyclerID
	}
	if filter.Status != "" {
		selector["status"] = filter.Status
	}

	rows := db.Find(ctx, map[string]interface{}{"selector": selector})
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "failed to list transactions")
	}
	defer rows.Close()

	var txs []*domain.WasteTransaction
	for rows.Next() {
		var doc transactionDoc
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		tx := doc.WasteTransaction
		tx.Rev = doc.Rev
		txs = append(txs, &tx)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "failed to list transactions")
	}

	return txs, nil
}
