package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/parleyhq/parley/internal/http/handler"
	"github.com/parleyhq/parley/internal/service"
)

var _ = Describe("TurnHandler", func() {
	var (
		router *gin.Engine
		svc    *mockTurnService
	)

	BeforeEach(func() {
		router = gin.New()
		svc = &mockTurnService{}
		h := handler.NewTurnHandler(svc)
		router.POST("/conversations/:id/turns", h.Start)
	})

	post := func(path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	It("returns 202 with stream coordinates on success", func() {
		svc.startFn = func(_ context.Context, params service.TurnStartParams) (*service.TurnStartResult, error) {
			Expect(params.ConversationID).To(Equal(int64(42)))
			Expect(params.Message).To(Equal("hello"))
			return &service.TurnStartResult{
				StreamURL:   "http://10.0.0.5:8090/stream",
				StreamToken: "tok-1",
				Watermark:   7,
			}, nil
		}

		w := post("/conversations/42/turns", `{"message":"hello"}`)

		Expect(w.Code).To(Equal(http.StatusAccepted))
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["stream_url"]).To(Equal("http://10.0.0.5:8090/stream"))
		Expect(resp["stream_token"]).To(Equal("tok-1"))
		Expect(resp["watermark"]).To(BeEquivalentTo(7))
	})

	It("returns 400 when the message is missing", func() {
		w := post("/conversations/42/turns", `{}`)
		Expect(w.Code).To(Equal(http.StatusBadRequest))
	})

	It("returns 400 on a non-numeric conversation id", func() {
		w := post("/conversations/abc/turns", `{"message":"hello"}`)
		Expect(w.Code).To(Equal(http.StatusBadRequest))
	})

	It("returns 409 while a turn is running", func() {
		svc.startFn = func(_ context.Context, _ service.TurnStartParams) (*service.TurnStartResult, error) {
			return nil, service.ErrTurnInProgress
		}
		w := post("/conversations/42/turns", `{"message":"hello"}`)
		Expect(w.Code).To(Equal(http.StatusConflict))
	})

	It("returns 404 for an unknown conversation", func() {
		svc.startFn = func(_ context.Context, _ service.TurnStartParams) (*service.TurnStartResult, error) {
			return nil, service.ErrConversationNotFound
		}
		w := post("/conversations/42/turns", `{"message":"hello"}`)
		Expect(w.Code).To(Equal(http.StatusNotFound))
	})

	It("returns a sanitized 500 when the service fails", func() {
		svc.startFn = func(_ context.Context, _ service.TurnStartParams) (*service.TurnStartResult, error) {
			return nil, errors.New("pg: connection refused")
		}
		w := post("/conversations/42/turns", `{"message":"hello"}`)
		Expect(w.Code).To(Equal(http.StatusInternalServerError))
		Expect(w.Body.String()).NotTo(ContainSubstring("connection refused"))
	})
})
