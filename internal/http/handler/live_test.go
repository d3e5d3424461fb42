package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/parleyhq/parley/internal/event"
	"github.com/parleyhq/parley/internal/http/handler"
	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/queue"
)

var _ = Describe("LiveHandler", func() {
	var (
		router *gin.Engine
		convs  *mockConversationService
		source *mockEventSource
	)

	streamToken := "st-live-1"

	BeforeEach(func() {
		router = gin.New()
		convs = &mockConversationService{}
		convs.getFn = func(_ context.Context, conversationID int64) (*model.Conversation, error) {
			return &model.Conversation{
				ID:           conversationID,
				IsProcessing: true,
				StreamToken:  &streamToken,
			}, nil
		}
		source = &mockEventSource{}
		h := handler.NewLiveHandler(convs, source)
		router.GET("/conversations/:id/live", h.Stream)
	})

	get := func(path string, reqCtx context.Context) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if reqCtx != nil {
			req = req.WithContext(reqCtx)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	It("rejects a subscription without a token", func() {
		w := get("/conversations/42/live", nil)
		Expect(w.Code).To(Equal(http.StatusUnauthorized))
	})

	It("rejects a wrong token", func() {
		w := get("/conversations/42/live?token=nope", nil)
		Expect(w.Code).To(Equal(http.StatusUnauthorized))
	})

	It("rejects a subscription when no turn is active", func() {
		convs.getFn = func(_ context.Context, conversationID int64) (*model.Conversation, error) {
			return &model.Conversation{ID: conversationID}, nil
		}
		w := get("/conversations/42/live?token="+streamToken, nil)
		Expect(w.Code).To(Equal(http.StatusUnauthorized))
	})

	It("streams mirror entries to a caller holding the turn's stream token", func() {
		ctx, cancel := context.WithCancel(context.Background())
		data, err := json.Marshal(event.TextData{Text: "hi"})
		Expect(err).NotTo(HaveOccurred())
		source.readFn = func(context.Context, int64, string, time.Duration, int64) ([]queue.Entry, string, error) {
			// End the request after the first delivery.
			cancel()
			return []queue.Entry{{ID: "1-0", Seq: 3, Type: event.TypeText, Data: data}}, "1-0", nil
		}

		w := get("/conversations/42/live?token="+streamToken, ctx)

		Expect(w.Code).To(Equal(http.StatusOK))
		body := w.Body.String()
		Expect(body).To(ContainSubstring("event: init"))
		Expect(body).To(ContainSubstring(`"seq-42-3"`))
	})
})
