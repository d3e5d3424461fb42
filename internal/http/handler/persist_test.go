package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/parleyhq/parley/internal/http/handler"
	"github.com/parleyhq/parley/internal/service"
)

var _ = Describe("PersistHandler", func() {
	var (
		router *gin.Engine
		svc    *mockPersistService
	)

	BeforeEach(func() {
		router = gin.New()
		svc = &mockPersistService{}
		h := handler.NewPersistHandler(svc)
		router.POST("/internal/v1/events", h.Apply)
	})

	post := func(body, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/internal/v1/events", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	validBatch := `{"conversationId":42,"events":[{"type":"text","data":{"text":"hi"},"seq":3}]}`

	It("applies a batch and reports the new watermark", func() {
		svc.applyFn = func(_ context.Context, params service.PersistParams) (*service.PersistResult, error) {
			Expect(params.ConversationID).To(Equal(int64(42)))
			Expect(params.Token).To(Equal("persist-tok"))
			Expect(params.Batch.Events).To(HaveLen(1))
			return &service.PersistResult{Applied: 1, Watermark: 3}, nil
		}

		w := post(validBatch, "persist-tok")

		Expect(w.Code).To(Equal(http.StatusOK))
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["applied"]).To(BeEquivalentTo(1))
		Expect(resp["watermark"]).To(BeEquivalentTo(3))
	})

	It("returns 401 without a bearer token", func() {
		w := post(validBatch, "")
		Expect(w.Code).To(Equal(http.StatusUnauthorized))
	})

	It("returns 401 for a stale token", func() {
		svc.applyFn = func(_ context.Context, _ service.PersistParams) (*service.PersistResult, error) {
			return nil, service.ErrInvalidPersistToken
		}
		w := post(validBatch, "old-tok")
		Expect(w.Code).To(Equal(http.StatusUnauthorized))
	})

	It("returns 400 when the conversation id is missing", func() {
		w := post(`{"events":[]}`, "persist-tok")
		Expect(w.Code).To(Equal(http.StatusBadRequest))
	})

	It("returns 404 for an unknown conversation", func() {
		svc.applyFn = func(_ context.Context, _ service.PersistParams) (*service.PersistResult, error) {
			return nil, service.ErrConversationNotFound
		}
		w := post(validBatch, "persist-tok")
		Expect(w.Code).To(Equal(http.StatusNotFound))
	})
})
