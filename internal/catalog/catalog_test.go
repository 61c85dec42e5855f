package catalog

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dropline/server/internal/money"
	"github.com/dropline/server/internal/storage"
)

var testNow = time.Unix(1_700_000_000, 0).UTC()

func newTestCatalog(t *testing.T) (*Catalog, storage.Store) {
	t.Helper()
	s := storage.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return New(s, time.Minute, zerolog.Nop()), s
}

func listDrop(t *testing.T, c *Catalog, city, district, ptype, size string) int64 {
	t.Helper()
	id, err := c.CreateProduct(context.Background(), storage.Product{
		City:        city,
		District:    district,
		ProductType: ptype,
		Size:        size,
		Price:       money.MustParse("10.00"),
		Available:   1,
		CreatedAt:   testNow,
	})
	if err != nil {
		t.Fatalf("CreateProduct() error = %v", err)
	}
	return id
}

func TestBrowseTree(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()

	listDrop(t, c, "berlin", "mitte", "widget", "2g")
	listDrop(t, c, "berlin", "mitte", "widget", "5g")
	listDrop(t, c, "berlin", "neukoelln", "gadget", "1u")
	listDrop(t, c, "hamburg", "altona", "widget", "2g")

	cities, err := c.Cities(ctx)
	if err != nil {
		t.Fatalf("Cities() error = %v", err)
	}
	if want := []string{"berlin", "hamburg"}; !reflect.DeepEqual(cities, want) {
		t.Errorf("Cities() = %v, want %v", cities, want)
	}

	districts, err := c.Districts(ctx, "berlin")
	if err != nil {
		t.Fatalf("Districts() error = %v", err)
	}
	if want := []string{"mitte", "neukoelln"}; !reflect.DeepEqual(districts, want) {
		t.Errorf("Districts(berlin) = %v, want %v", districts, want)
	}

	types, err := c.ProductTypes(ctx, "berlin", "mitte")
	if err != nil {
		t.Fatalf("ProductTypes() error = %v", err)
	}
	if want := []string{"widget"}; !reflect.DeepEqual(types, want) {
		t.Errorf("ProductTypes(berlin, mitte) = %v, want %v", types, want)
	}

	offers, err := c.Offers(ctx, "berlin", "mitte", "widget")
	if err != nil {
		t.Fatalf("Offers() error = %v", err)
	}
	if len(offers) != 2 {
		t.Fatalf("Offers() returned %d offers, want 2", len(offers))
	}
}

func TestWriteInvalidatesCachedTree(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()

	listDrop(t, c, "berlin", "mitte", "widget", "2g")
	cities, err := c.Cities(ctx)
	if err != nil {
		t.Fatalf("Cities() error = %v", err)
	}
	if len(cities) != 1 {
		t.Fatalf("Cities() = %v, want one city", cities)
	}

	// A new city appears immediately despite the warm cache.
	listDrop(t, c, "hamburg", "altona", "widget", "2g")
	cities, err = c.Cities(ctx)
	if err != nil {
		t.Fatalf("Cities() after write error = %v", err)
	}
	if want := []string{"berlin", "hamburg"}; !reflect.DeepEqual(cities, want) {
		t.Errorf("Cities() after write = %v, want %v", cities, want)
	}
}

func TestDeleteUnlistsProduct(t *testing.T) {
	c, s := newTestCatalog(t)
	ctx := context.Background()

	id := listDrop(t, c, "berlin", "mitte", "widget", "2g")
	if err := c.DeleteProduct(ctx, id); err != nil {
		t.Fatalf("DeleteProduct() error = %v", err)
	}

	cities, err := c.Cities(ctx)
	if err != nil {
		t.Fatalf("Cities() error = %v", err)
	}
	if len(cities) != 0 {
		t.Errorf("Cities() = %v after delete, want empty", cities)
	}
	if _, err := s.ProductByID(ctx, id); err == nil {
		t.Errorf("ProductByID() found deleted product")
	}
}

func TestOffersReflectLiveReservations(t *testing.T) {
	c, s := newTestCatalog(t)
	ctx := context.Background()

	listDrop(t, c, "berlin", "mitte", "widget", "2g")

	offers, err := c.Offers(ctx, "berlin", "mitte", "widget")
	if err != nil {
		t.Fatalf("Offers() error = %v", err)
	}
	if len(offers) != 1 || offers[0].Available != 1 {
		t.Fatalf("Offers() = %+v, want one offer with 1 free unit", offers)
	}

	sel := storage.ProductSelector{City: "berlin", District: "mitte", ProductType: "widget", Size: "2g"}
	if _, _, err := s.ReserveUnit(ctx, 100, sel, testNow); err != nil {
		t.Fatalf("ReserveUnit() error = %v", err)
	}

	// The selector view drops fully reserved offers outright.
	offers, err = c.Offers(ctx, "berlin", "mitte", "widget")
	if err != nil {
		t.Fatalf("Offers() after reserve error = %v", err)
	}
	if len(offers) != 0 {
		t.Fatalf("Offers() after reserve = %+v, want none", offers)
	}
}

func TestCreateProductsBulk(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()

	units := make([]storage.Product, 3)
	for i := range units {
		units[i] = storage.Product{
			City:        "berlin",
			District:    "mitte",
			ProductType: "widget",
			Size:        "2g",
			Price:       money.MustParse("10.00"),
			Available:   1,
			CreatedAt:   testNow,
		}
	}
	ids, err := c.CreateProducts(ctx, units)
	if err != nil {
		t.Fatalf("CreateProducts() error = %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("CreateProducts() created %d units, want 3", len(ids))
	}

	offers, err := c.Offers(ctx, "berlin", "mitte", "widget")
	if err != nil {
		t.Fatalf("Offers() error = %v", err)
	}
	if len(offers) != 1 || offers[0].Available != 3 {
		t.Fatalf("Offers() = %+v, want one offer with 3 free units", offers)
	}
}
