package media

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/blob"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/blob/blobtest"
)

func newTestService(t *testing.T, store blob.Store, maxBytes int64) *Service {
	t.Helper()
	service, err := NewService(Config{Blob: store, MaxBytes: maxBytes})
	if err != nil {
		t.Fatalf("failed to build media service: %v", err)
	}
	return service
}

func TestUploadOpenDeleteAudio(t *testing.T) {
	service := newTestService(t, blobtest.NewSQLStore(t), 0)
	payload := []byte("fake-webm-bytes")
	dataURL := "data:audio/webm;codecs=opus;base64," + base64.StdEncoding.EncodeToString(payload)

	stored, err := service.Upload(context.Background(), KindAudio, dataURL, "")
	if err != nil {
		t.Fatalf("unexpected upload error: %v", err)
	}
	if stored.ContentType != "audio/webm" || !strings.HasSuffix(stored.FileName, ".webm") {
		t.Fatalf("unexpected stored descriptor %+v", stored)
	}
	if stored.URL != "/audio-wishes?fileName="+stored.FileName {
		t.Fatalf("unexpected url %s", stored.URL)
	}
	if stored.Size != int64(len(payload)) {
		t.Fatalf("unexpected size %d", stored.Size)
	}

	file, err := service.Open(context.Background(), KindAudio, stored.FileName)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if string(file.Body) != string(payload) || file.ContentType != "audio/webm" {
		t.Fatalf("unexpected file %+v", file)
	}

	if err := service.Delete(context.Background(), KindAudio, stored.FileName); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if _, err := service.Open(context.Background(), KindAudio, stored.FileName); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestUploadRejectsInvalidPayloads(t *testing.T) {
	service := newTestService(t, blobtest.NewSQLStore(t), 4)

	testCases := map[string]struct {
		kind        Kind
		data        string
		contentType string
	}{
		"not base64":       {kind: KindPhoto, data: "%%%"},
		"empty":            {kind: KindPhoto, data: ""},
		"too large":        {kind: KindPhoto, data: base64.StdEncoding.EncodeToString([]byte("12345"))},
		"wrong media type": {kind: KindAudio, data: base64.StdEncoding.EncodeToString([]byte("12")), contentType: "image/png"},
		"plain data url":   {kind: KindPhoto, data: "data:image/png,abc"},
	}
	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := service.Upload(context.Background(), testCase.kind, testCase.data, testCase.contentType)
			if !apperr.Is(err, apperr.KindValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestPhotoUploadDefaultsAndURL(t *testing.T) {
	service := newTestService(t, blobtest.NewSQLStore(t), 0)
	stored, err := service.Upload(context.Background(), KindPhoto, base64.StdEncoding.EncodeToString([]byte("jpeg")), "")
	if err != nil {
		t.Fatalf("unexpected upload error: %v", err)
	}
	if stored.ContentType != "image/jpeg" || stored.URL != "/photos/files/"+stored.FileName {
		t.Fatalf("unexpected stored descriptor %+v", stored)
	}

	name, ok := FileNameFromURL(KindPhoto, stored.URL)
	if !ok || name != stored.FileName {
		t.Fatalf("expected to recover file name, got %q %v", name, ok)
	}
	if _, ok := FileNameFromURL(KindPhoto, "https://cdn.example.com/p.jpg"); ok {
		t.Fatalf("expected foreign url to be rejected")
	}
	if name, ok := FileNameFromURL(KindAudio, URL(KindAudio, "a.webm")); !ok || name != "a.webm" {
		t.Fatalf("expected audio name round trip, got %q %v", name, ok)
	}
}

func TestOpenRejectsTraversal(t *testing.T) {
	service := newTestService(t, blobtest.NewSQLStore(t), 0)
	if _, err := service.Open(context.Background(), KindPhoto, "../rsvps.json"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDirectURL(t *testing.T) {
	plain := newTestService(t, blobtest.NewSQLStore(t), 0)
	if got := plain.DirectURL(context.Background(), KindAudio, "a.webm"); got != "" {
		t.Fatalf("expected no direct url without presigner, got %s", got)
	}

	presigning := newTestService(t, blobtest.PresigningStore{Store: blobtest.NewSQLStore(t), BaseURL: "https://s3.test"}, 0)
	if got := presigning.DirectURL(context.Background(), KindAudio, "a.webm"); !strings.HasPrefix(got, "https://s3.test/audio-wishes/a.webm") {
		t.Fatalf("unexpected direct url %s", got)
	}
}

func TestUnconfiguredStorage(t *testing.T) {
	service := newTestService(t, blob.Unconfigured{}, 0)
	_, err := service.Upload(context.Background(), KindPhoto, base64.StdEncoding.EncodeToString([]byte("x")), "")
	if !apperr.Is(err, apperr.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
