package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// blobStore hands out upload/download URLs for attachment ciphertext. The
// simulator never sees attachment plaintext; clients encrypt before upload.
type blobStore interface {
	UploadURL(id uint64) (string, error)
	DownloadURL(id uint64) (string, error)
}

// memoryBlobStore keeps ciphertext in process memory and serves it from the
// simulator's own /blob/ routes.
type memoryBlobStore struct {
	mu    sync.Mutex
	blobs map[uint64][]byte
	base  string
}

func newMemoryBlobStore() *memoryBlobStore {
	return &memoryBlobStore{blobs: make(map[uint64][]byte)}
}

func (m *memoryBlobStore) UploadURL(id uint64) (string, error) {
	return fmt.Sprintf("%s/blob/%d", m.base, id), nil
}

func (m *memoryBlobStore) DownloadURL(id uint64) (string, error) {
	return fmt.Sprintf("%s/blob/%d", m.base, id), nil
}

// minioBlobStore issues presigned URLs against S3-compatible storage, so
// attachment bytes bypass the simulator entirely.
type minioBlobStore struct {
	client *minio.Client
	bucket string
}

func newMinioBlobStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*minioBlobStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}
	return &minioBlobStore{client: client, bucket: bucket}, nil
}

func (m *minioBlobStore) objectName(id uint64) string {
	return fmt.Sprintf("attachments/%d", id)
}

func (m *minioBlobStore) UploadURL(id uint64) (string, error) {
	u, err := m.client.PresignedPutObject(context.Background(), m.bucket, m.objectName(id), 15*time.Minute)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (m *minioBlobStore) DownloadURL(id uint64) (string, error) {
	u, err := m.client.PresignedGetObject(context.Background(), m.bucket, m.objectName(id), 15*time.Minute, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (s *simulator) handleAllocateAttachment(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.authenticate(r); !ok {
		respondJSON(w, http.StatusUnauthorized, nil)
		return
	}
	s.mu.Lock()
	id := s.nextBlobID
	s.nextBlobID++
	if m, ok := s.blobs.(*memoryBlobStore); ok && m.base == "" {
		m.base = s.externalURL
	}
	s.mu.Unlock()

	location, err := s.blobs.UploadURL(id)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "location": location})
}

func (s *simulator) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.authenticate(r); !ok {
		respondJSON(w, http.StatusUnauthorized, nil)
		return
	}
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "bad id"})
		return
	}
	location, err := s.blobs.DownloadURL(id)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"location": location})
}

func (s *simulator) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	m, ok := s.blobs.(*memoryBlobStore)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}
	m.mu.Lock()
	m.blobs[id] = data
	m.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *simulator) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	m, ok := s.blobs.(*memoryBlobStore)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	data, ok := m.blobs[id]
	m.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	io.Copy(w, bytes.NewReader(data))
}
