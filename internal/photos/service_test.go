package photos

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/blob/blobtest"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/media"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/records"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	backend := blobtest.NewSQLStore(t)
	collectionStore, err := store.New(store.Config{Blob: backend})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	mediaService, err := media.NewService(media.Config{Blob: backend})
	if err != nil {
		t.Fatalf("failed to build media service: %v", err)
	}
	service, err := NewService(ServiceConfig{Store: collectionStore, Media: mediaService})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func TestCreateWithURL(t *testing.T) {
	service := newTestService(t)
	created, err := service.Create(context.Background(), json.RawMessage(`{"url":"https://cdn.example.com/a.jpg","caption":"Dance floor"}`))
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if records.FieldString(created, "caption") != "Dance floor" || records.FieldString(created, "id") == "" {
		t.Fatalf("unexpected record %s", created)
	}

	listing, err := service.List(context.Background())
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(listing.Records) != 1 {
		t.Fatalf("expected one photo, got %d", len(listing.Records))
	}
}

func TestCreateRequiresImage(t *testing.T) {
	service := newTestService(t)
	if _, err := service.Create(context.Background(), json.RawMessage(`{"caption":"nothing"}`)); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateWithInlineImageAndDelete(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	payload := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	body, _ := json.Marshal(map[string]string{"imageData": payload, "caption": "Cake"})

	created, err := service.Create(ctx, body)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if strings.Contains(string(created), "imageData") {
		t.Fatalf("expected inline data to be stripped, got %s", created)
	}
	fileName := records.FieldString(created, "fileName")
	if !strings.HasSuffix(fileName, ".png") || records.FieldString(created, "url") != media.URL(media.KindPhoto, fileName) {
		t.Fatalf("unexpected stored photo %s", created)
	}

	file, err := service.Open(ctx, fileName)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if string(file.Body) != "png-bytes" || file.ContentType != "image/png" {
		t.Fatalf("unexpected file %+v", file)
	}

	id, _ := records.IDOf(created)
	if err := service.Delete(ctx, id.String()); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if _, err := service.Open(ctx, fileName); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected image to be removed, got %v", err)
	}
	if err := service.Delete(ctx, id.String()); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestReplaceIsVerbatim(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	items := []json.RawMessage{json.RawMessage(`{"id":"1","url":"u","tags":["a"]}`)}
	if _, err := service.Replace(ctx, items, ""); err != nil {
		t.Fatalf("unexpected replace error: %v", err)
	}
	listing, err := service.List(ctx)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(listing.Records) != 1 || !strings.Contains(string(listing.Records[0]), `"tags"`) {
		t.Fatalf("expected verbatim replacement, got %s", listing.Records)
	}
}
