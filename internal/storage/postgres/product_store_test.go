package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-extractor/internal/product"
)

func strPtr(s string) *string { return &s }

func TestInsertProductWritesRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewProductStoreWithPool(mock, "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	row := Row{
		ID:      "rec-1",
		BatchID: "batch-1",
		Record: product.Record{
			Name:     "Đèn LED",
			Amount:   "248.300",
			Currency: "VND",
			Specs:    "Công suất 100W.",
			Link:     "https://shop.vn/p/1",
			Image:    "https://shop.vn/a.jpg",
			Strategy: product.StrategyJSONLD,
		},
		ExtractedAt: now,
	}

	mock.ExpectExec("INSERT INTO products").
		WithArgs(
			"rec-1",
			strPtr("batch-1"),
			"Đèn LED",
			"248.300",
			strPtr("VND"),
			"Công suất 100W.",
			"https://shop.vn/p/1",
			"https://shop.vn/a.jpg",
			(*string)(nil),
			(*string)(nil),
			(*string)(nil),
			"json_ld",
			now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.InsertProduct(context.Background(), row))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertProductSurfacesErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewProductStoreWithPool(mock, "catalog")
	require.NoError(t, err)

	anyArgs := make([]any, 13)
	for i := range anyArgs {
		anyArgs[i] = pgxmock.AnyArg()
	}
	mock.ExpectExec("INSERT INTO catalog").
		WithArgs(anyArgs...).
		WillReturnError(errors.New("connection reset"))
	err = store.InsertProduct(context.Background(), Row{ID: "rec-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	require.Error(t, store.InsertProduct(context.Background(), Row{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewProductStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewProductStoreWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewProductStoreWithPool(mock, "products; DROP TABLE x")
	require.Error(t, err)

	_, err = NewProductStore(context.Background(), Config{})
	require.Error(t, err)

	var nilStore *ProductStore
	require.Error(t, nilStore.InsertProduct(context.Background(), Row{ID: "x"}))
	nilStore.Close()
}
