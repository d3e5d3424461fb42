package bridge_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/parleyhq/parley/internal/bridge"
	"github.com/parleyhq/parley/internal/event"
)

var _ = Describe("Server", func() {
	var (
		srv *bridge.Server
		ts  *httptest.Server
	)

	startServer := func(runnerToken, streamToken, persistToken string) {
		srv = bridge.NewServer(7, 30*time.Millisecond, runnerToken, streamToken, persistToken)
		r := gin.New()
		srv.Register(r)
		ts = httptest.NewServer(r)
		DeferCleanup(ts.Close)
	}

	postJSON := func(path, token string, body any) *http.Response {
		payload, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		req, err := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(payload))
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := ts.Client().Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	Describe("POST /message", func() {
		It("queues a submission bearing the sandbox token", func() {
			startServer("rt-1", "", "")
			resp := postJSON("/message", "rt-1", map[string]any{
				"message":      "hello",
				"streamToken":  "st-1",
				"persistToken": "pt-1",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			Expect(srv.Queue().Len()).To(Equal(1))
		})

		It("rejects an unauthenticated submission even between turns", func() {
			startServer("rt-1", "", "")
			resp := postJSON("/message", "", map[string]any{
				"message":      "injected",
				"persistToken": "attacker-pt",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(srv.Queue().Len()).To(Equal(0))
		})

		It("rejects per-turn tokens on the message endpoint", func() {
			startServer("rt-1", "st-0", "pt-0")
			resp := postJSON("/message", "pt-0", map[string]any{"message": "hi"})
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("rejects a body without a message", func() {
			startServer("rt-1", "", "")
			resp := postJSON("/message", "rt-1", map[string]any{"streamToken": "x"})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("POST /stop", func() {
		It("succeeds with nothing to do on an idle runner", func() {
			startServer("rt-1", "", "")
			resp := postJSON("/stop", "rt-1", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("rejects an unauthenticated stop on an idle runner", func() {
			startServer("rt-1", "", "")
			resp := postJSON("/stop", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("invokes the interrupt hook for an active turn", func() {
			startServer("rt-1", "", "")
			interrupted := make(chan struct{})
			srv.BeginTurn(bridge.Inbound{StreamToken: "st-1", PersistToken: "pt-1"}, func() {
				close(interrupted)
			})

			resp := postJSON("/stop", "pt-1", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Eventually(interrupted).Should(BeClosed())
		})

		It("is idempotent across repeated stops", func() {
			startServer("rt-1", "", "")
			calls := 0
			srv.BeginTurn(bridge.Inbound{PersistToken: "pt-1"}, func() { calls++ })

			Expect(postJSON("/stop", "rt-1", nil).StatusCode).To(Equal(http.StatusOK))
			Expect(postJSON("/stop", "pt-1", nil).StatusCode).To(Equal(http.StatusOK))
			Expect(calls).To(Equal(2))
		})

		It("rejects a stop with a stale token", func() {
			startServer("rt-1", "", "")
			srv.BeginTurn(bridge.Inbound{PersistToken: "pt-1"}, func() {})
			resp := postJSON("/stop", "pt-0", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("GET /stream", func() {
		openStream := func(ctx context.Context, token string) *bufio.Reader {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream?token="+token, nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := ts.Client().Do(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			DeferCleanup(func() { resp.Body.Close() })
			return bufio.NewReader(resp.Body)
		}

		readFrame := func(r *bufio.Reader) []string {
			var lines []string
			for {
				line, err := r.ReadString('\n')
				Expect(err).NotTo(HaveOccurred())
				line = strings.TrimRight(line, "\n")
				if line == "" {
					return lines
				}
				lines = append(lines, line)
			}
		}

		It("rejects a missing or wrong token", func() {
			startServer("rt-1", "st-1", "")
			resp, err := ts.Client().Get(ts.URL + "/stream?token=nope")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("sends the init frame before any event", func() {
			startServer("rt-1", "st-1", "")
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			r := openStream(ctx, "st-1")

			frame := readFrame(r)
			Expect(frame[0]).To(Equal("event: init"))
			Expect(frame[1]).To(ContainSubstring(`"conversationId":7`))
		})

		It("streams published events and keepalive comments", func() {
			startServer("rt-1", "st-1", "")
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			r := openStream(ctx, "st-1")
			readFrame(r) // init

			srv.Publish(event.Text("live"))

			sawEvent := false
			sawKeepalive := false
			deadline := time.After(2 * time.Second)
			for !sawEvent || !sawKeepalive {
				select {
				case <-deadline:
					Fail(fmt.Sprintf("timed out: event=%v keepalive=%v", sawEvent, sawKeepalive))
				default:
				}
				frame := readFrame(r)
				if len(frame) == 0 {
					continue
				}
				switch {
				case frame[0] == "event: event":
					sawEvent = true
				case strings.HasPrefix(frame[0], ": keepalive"):
					sawKeepalive = true
				}
			}
		})
	})
})
