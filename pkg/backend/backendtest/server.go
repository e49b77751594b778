// Package backendtest runs an in-process fake of the menu admin API together
// with a path-style object store that accepts the pre-signed URLs it issues.
package backendtest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/menuadmin/imageupload/pkg/backend"
)

// Bucket is the bucket name embedded in every issued URL.
const Bucket = "menu-images"

const presignTTL = 15 * time.Minute

// Faults makes individual endpoints misbehave. A zero status means healthy.
type Faults struct {
	NegotiateStatus int
	OmitUploadURL   bool
	PutStatus       int
	AttachStatus    int
	DeleteStatus    int
	SignedURLStatus int
}

// Object is a stored upload.
type Object struct {
	ContentType string
	Body        []byte
}

// Server is the fake backend. The zero value is not usable; call New.
type Server struct {
	URL string

	srv     *httptest.Server
	presign *s3.PresignClient

	mu      sync.Mutex
	items   map[string]*backend.MenuItem
	objects map[string]Object
	faults  Faults
	block   chan struct{}
	calls   map[string]int
}

// New starts a fake backend that is shut down when the test ends.
func New(tb testing.TB) *Server {
	tb.Helper()

	s := &Server{
		items:   make(map[string]*backend.MenuItem),
		objects: make(map[string]Object),
		calls:   make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /menu-image-upload/{owner}/images/upload-url", s.handleNegotiate)
	mux.HandleFunc("POST /menu-image-upload/{owner}/images/attach", s.handleAttach)
	mux.HandleFunc("DELETE /menu-image-upload/{owner}/images/{image}", s.handleDelete)
	mux.HandleFunc("POST /menu-image-upload/getSignedUrl", s.handleSignedURL)
	mux.HandleFunc("GET /menu-items/{owner}", s.handleGetItem)
	mux.HandleFunc("PUT /"+Bucket+"/{key...}", s.handlePut)
	mux.HandleFunc("GET /"+Bucket+"/{key...}", s.handleGetObject)

	s.srv = httptest.NewServer(mux)
	s.URL = s.srv.URL
	tb.Cleanup(s.Close)

	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	if err != nil {
		tb.Fatalf("load aws config: %v", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(s.srv.URL)
		o.UsePathStyle = true
	})
	s.presign = s3.NewPresignClient(client)

	return s
}

// Close releases blocked uploads and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	if s.block != nil {
		close(s.block)
		s.block = nil
	}
	s.mu.Unlock()
	s.srv.Close()
}

// SetFaults replaces the active fault set.
func (s *Server) SetFaults(f Faults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

// BlockUploads holds every object PUT until release is called or the client
// goes away.
func (s *Server) BlockUploads() (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.block = ch
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.block == ch {
			close(ch)
			s.block = nil
		}
	}
}

// Seed registers an owner with already attached images.
func (s *Server) Seed(ownerID string, images ...backend.AttachedImage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.itemLocked(ownerID)
	item.Images = append(item.Images, images...)
}

// Images returns a copy of the owner's attached images.
func (s *Server) Images(ownerID string) []backend.AttachedImage {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[ownerID]
	if !ok {
		return nil
	}
	return append([]backend.AttachedImage(nil), item.Images...)
}

// Object returns the stored bytes for key.
func (s *Server) Object(key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	return obj, ok
}

// Calls reports how many requests an endpoint served: negotiate, put,
// attach, delete, signed-url, list or get-object.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Server) itemLocked(ownerID string) *backend.MenuItem {
	item, ok := s.items[ownerID]
	if !ok {
		item = &backend.MenuItem{ID: ownerID}
		s.items[ownerID] = item
	}
	return item
}

func (s *Server) enter(op string) Faults {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	return s.faults
}

func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	faults := s.enter("negotiate")
	if faults.NegotiateStatus != 0 {
		writeError(w, faults.NegotiateStatus, "could not issue upload url")
		return
	}

	var req struct {
		ContentType   string `json:"contentType"`
		ContentLength int64  `json:"contentLength"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContentType == "" {
		writeError(w, http.StatusBadRequest, "contentType is required")
		return
	}

	owner := r.PathValue("owner")
	key := "menu-items/" + owner + "/" + uuid.NewString() + extension(req.ContentType)

	presigned, err := s.presign.PresignPutObject(r.Context(), &s3.PutObjectInput{
		Bucket:      aws.String(Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(req.ContentType),
	}, s3.WithPresignExpires(presignTTL))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.mu.Lock()
	s.itemLocked(owner)
	s.mu.Unlock()

	ticket := backend.UploadTicket{
		UploadURL: presigned.URL,
		Key:       key,
		URL:       s.srv.URL + "/" + Bucket + "/" + key,
	}
	if faults.OmitUploadURL {
		ticket.UploadURL = ""
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	faults := s.enter("put")

	s.mu.Lock()
	block := s.block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-r.Context().Done():
			return
		}
	}

	if faults.PutStatus != 0 {
		writeError(w, faults.PutStatus, "storage rejected upload")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	s.objects[r.PathValue("key")] = Object{ContentType: r.Header.Get("Content-Type"), Body: body}
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	s.enter("get-object")
	obj, ok := s.Object(r.PathValue("key"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", obj.ContentType)
	_, _ = w.Write(obj.Body)
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	faults := s.enter("attach")
	if faults.AttachStatus != 0 {
		writeError(w, faults.AttachStatus, "could not attach image")
		return
	}

	var req backend.AttachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	s.mu.Lock()
	item := s.itemLocked(r.PathValue("owner"))
	if req.IsPrimary {
		for i := range item.Images {
			item.Images[i].IsPrimary = false
		}
	}
	item.Images = append(item.Images, backend.AttachedImage{
		ID:        uuid.NewString(),
		Key:       req.Key,
		URL:       req.URL,
		IsPrimary: req.IsPrimary,
		Position:  len(item.Images),
	})
	resp := *item
	resp.Images = append([]backend.AttachedImage(nil), item.Images...)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	faults := s.enter("delete")
	if faults.DeleteStatus != 0 {
		writeError(w, faults.DeleteStatus, "could not delete image")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[r.PathValue("owner")]
	if !ok {
		writeError(w, http.StatusNotFound, "menu item not found")
		return
	}
	id := r.PathValue("image")
	for i, img := range item.Images {
		if img.ID == id {
			item.Images = append(item.Images[:i], item.Images[i+1:]...)
			delete(s.objects, img.Key)
			writeJSON(w, http.StatusOK, map[string]any{"menuItem": item})
			return
		}
	}
	writeError(w, http.StatusNotFound, "image not found")
}

func (s *Server) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	faults := s.enter("signed-url")
	if faults.SignedURLStatus != 0 {
		writeError(w, faults.SignedURLStatus, "could not sign url")
		return
	}

	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	presigned, err := s.presign.PresignGetObject(r.Context(), &s3.GetObjectInput{
		Bucket: aws.String(Bucket),
		Key:    aws.String(req.Key),
	}, s3.WithPresignExpires(presignTTL))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": presigned.URL})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	s.enter("list")

	s.mu.Lock()
	item, ok := s.items[r.PathValue("owner")]
	var resp backend.MenuItem
	if ok {
		resp = *item
		resp.Images = append([]backend.AttachedImage(nil), item.Images...)
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "menu item not found")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func extension(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"statusCode": status, "message": msg})
}
