// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package web_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/rhodeslab/akauth/internal/auth"
	"github.com/rhodeslab/akauth/internal/logging"
	"github.com/rhodeslab/akauth/internal/region"
	"github.com/rhodeslab/akauth/internal/sitesession"
	"github.com/rhodeslab/akauth/internal/upstream"
	"github.com/rhodeslab/akauth/internal/web"
)

var _ = Describe("Handler", func() {
	var (
		game      *gameServer
		handshake *fakeHandshake
		registry  *sitesession.MemoryRegistry
		bridge    *sitesession.Bridge
		handler   *web.Handler
		b         *browser
	)

	newHandler := func(timeout time.Duration, opts ...web.Option) *web.Handler {
		client := upstream.NewClient(upstream.WithTimeout(timeout))
		dispatcher, err := auth.NewDispatcher(client, game.configs())
		Expect(err).NotTo(HaveOccurred())

		opts = append([]web.Option{
			web.WithAllowedEndpoints("quest/*", "slow/*", "secret/*", "broken/*"),
			web.WithCookieSecure(false),
		}, opts...)
		h, err := web.NewHandler(handshake, dispatcher, bridge, opts...)
		Expect(err).NotTo(HaveOccurred())
		return h
	}

	login := func() {
		rec := b.post("/api/auth/login", map[string]string{
			"email": "user@example.com", "code": "123456", "region": "en",
		})
		Expect(rec.Code).To(Equal(http.StatusOK))
	}

	BeforeEach(func() {
		game = newGameServer()
		DeferCleanup(game.Close)

		handshake = &fakeHandshake{}
		registry = sitesession.NewMemoryRegistry()

		var err error
		bridge, err = sitesession.NewBridge([]byte("web-test-site-secret"), registry)
		Expect(err).NotTo(HaveOccurred())

		handler = newHandler(2 * time.Second)
		b = newBrowser(handler)
	})

	Describe("NewHandler", func() {
		It("rejects an invalid endpoint pattern", func() {
			_, err := web.NewHandler(handshake, nil, bridge, web.WithAllowedEndpoints("quest/["))
			Expect(err).To(HaveOccurred())
		})

		It("rejects an unknown default region", func() {
			_, err := web.NewHandler(handshake, nil, bridge, web.WithDefaultRegion("xx"))
			Expect(errors.Is(err, region.ErrUnknownRegion)).To(BeTrue())
		})
	})

	Describe("POST /api/auth/code", func() {
		It("requests a login code", func() {
			rec := b.post("/api/auth/code", map[string]string{"email": "user@example.com"})
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(handshake.codeCalls).To(Equal(1))
		})

		It("reports an upstream timeout", func() {
			handshake.codeErr = oops.Code("AUTH_CODE_REQUEST_FAILED").
				Wrap(oops.Code(upstream.CodeTimeout).Wrap(upstream.ErrTimeout))

			rec := b.post("/api/auth/code", map[string]string{"email": "user@example.com"})
			Expect(rec.Code).To(Equal(http.StatusGatewayTimeout))
			Expect(decodeBody(rec)["error"]).To(Equal(web.ErrCodeUpstreamTimeout))
		})

		It("reports a refused code request as a bad gateway", func() {
			handshake.codeErr = oops.Code("AUTH_CODE_REQUEST_FAILED").
				Wrap(oops.Code("AUTH_UPSTREAM_RESULT").With("result", 100100).Wrapf(auth.ErrRequestRefused, "upstream returned result 100100"))
			var logs bytes.Buffer
			handler = newHandler(2*time.Second, web.WithLogger(logging.Setup("akauth", "test", "json", slog.LevelInfo, &logs)))
			b = newBrowser(handler)

			rec := b.post("/api/auth/code", map[string]string{"email": "user@example.com"})
			Expect(rec.Code).To(Equal(http.StatusBadGateway))
			Expect(decodeBody(rec)["error"]).To(Equal(web.ErrCodeUpstreamRefused))
			Expect(logs.String()).To(ContainSubstring(`"level":"WARN"`))
			Expect(logs.String()).NotTo(ContainSubstring(`"level":"ERROR"`))
		})

		It("rejects malformed JSON", func() {
			rec := b.post("/api/auth/code", "{")
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(decodeBody(rec)["error"]).To(Equal(web.ErrCodeInvalidRequest))
			Expect(handshake.codeCalls).To(BeZero())
		})
	})

	Describe("POST /api/auth/login", func() {
		It("issues a site session", func() {
			rec := b.post("/api/auth/login", map[string]string{
				"email": "user@example.com", "code": "123456", "region": "jp",
			})

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decodeBody(rec)).To(Equal(map[string]any{"uid": "u1", "region": "jp"}))
			Expect(b.cookie(web.CookieToken)).NotTo(BeEmpty())
			Expect(b.cookie(web.CookieSession)).NotTo(BeEmpty())
			Expect(registry.Len()).To(Equal(1))

			s, extras, err := bridge.Resolve(context.Background(),
				sitesession.Token(b.cookie(web.CookieToken)),
				sitesession.Payload(b.cookie(web.CookieSession)))
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Snapshot()).To(Equal(auth.Snapshot{UID: "u1", Secret: "s1", Seqnum: 0, Region: region.JP, Valid: true}))
			Expect(extras.YostarEmail).To(Equal("user@example.com"))
		})

		It("sets HttpOnly cookies", func() {
			rec := b.post("/api/auth/login", map[string]string{"email": "user@example.com", "code": "123456"})
			for _, c := range rec.Result().Cookies() {
				Expect(c.HttpOnly).To(BeTrue(), c.Name)
				Expect(c.Path).To(Equal("/"))
				Expect(c.MaxAge).To(Equal(int(bridge.TTL() / time.Second)))
			}
		})

		It("uses the default region", func() {
			h := newHandler(time.Second, web.WithDefaultRegion(region.KR))
			rec := newBrowser(h).post("/api/auth/login", map[string]string{"email": "a@b.c", "code": "1"})
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(handshake.logins).To(ContainElement("a@b.c@kr"))
		})

		It("refuses unknown regions before logging in", func() {
			rec := b.post("/api/auth/login", map[string]string{"email": "a@b.c", "code": "1", "region": "xx"})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(decodeBody(rec)["error"]).To(Equal(web.ErrCodeUnknownRegion))
			Expect(handshake.logins).To(BeEmpty())
		})

		DescribeTable("maps login failures",
			func(err error, status int, code, stage string) {
				handshake.loginErr = err
				rec := b.post("/api/auth/login", map[string]string{"email": "a@b.c", "code": "1", "region": "en"})

				Expect(rec.Code).To(Equal(status))
				body := decodeBody(rec)
				Expect(body["error"]).To(Equal(code))
				if stage != "" {
					Expect(body["stage"]).To(Equal(stage))
				} else {
					Expect(body).NotTo(HaveKey("stage"))
				}
				Expect(b.cookie(web.CookieToken)).To(BeEmpty())
			},
			Entry("rejected credentials",
				fmt.Errorf("login: %w", &auth.StageError{Stage: auth.StageSubmitCredentials, Err: errors.New("result 100302")}),
				http.StatusUnauthorized, web.ErrCodeLoginFailed, "submit_credentials"),
			Entry("refused at a stage",
				fmt.Errorf("login: %w", &auth.StageError{Stage: auth.StageAccountToken, Err: auth.ErrRequestRefused}),
				http.StatusUnauthorized, web.ErrCodeLoginFailed, "account_token"),
			Entry("timeout at a stage",
				fmt.Errorf("login: %w", &auth.StageError{Stage: auth.StageAccessToken, Err: upstream.ErrTimeout}),
				http.StatusGatewayTimeout, web.ErrCodeUpstreamTimeout, "access_token"),
			Entry("region config unavailable",
				fmt.Errorf("login: %w", &auth.StageError{Stage: auth.StageDeviceToken, Err: region.ErrConfigUnavailable}),
				http.StatusServiceUnavailable, web.ErrCodeRegionConfig, "device_token"),
			Entry("unsupported region",
				fmt.Errorf("login: %w", auth.ErrRegionUnsupported),
				http.StatusBadRequest, web.ErrCodeRegionUnsupported, ""),
			Entry("missing input",
				fmt.Errorf("login: %w", auth.ErrInvalidInput),
				http.StatusBadRequest, web.ErrCodeInvalidRequest, ""),
			Entry("anything else",
				errors.New("boom"),
				http.StatusInternalServerError, web.ErrCodeInternal, ""),
		)
	})

	Describe("POST /api/game/{endpoint}", func() {
		It("requires a site session", func() {
			rec := b.post("/api/game/quest/battleStart", nil)
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(decodeBody(rec)["error"]).To(Equal(web.ErrCodeNotAuthenticated))
			Expect(game.seqnums()).To(BeEmpty())
		})

		It("rejects a tampered payload and clears cookies", func() {
			login()
			b.setCookie(web.CookieSession, b.cookie(web.CookieSession)+"x")

			rec := b.post("/api/game/quest/battleStart", nil)
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(decodeBody(rec)["error"]).To(Equal(web.ErrCodeNotAuthenticated))
			Expect(b.cookie(web.CookieToken)).To(BeEmpty())
		})

		It("refuses endpoints outside the allow list", func() {
			login()
			rec := b.post("/api/game/account/syncData", nil)
			Expect(rec.Code).To(Equal(http.StatusForbidden))
			Expect(decodeBody(rec)["error"]).To(Equal(web.ErrCodeEndpointNotAllowed))
			Expect(game.seqnums()).To(BeEmpty())
		})

		It("rejects a body that is not JSON", func() {
			login()
			rec := b.post("/api/game/quest/battleStart", "not json")
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(game.seqnums()).To(BeEmpty())
		})

		It("sends consecutive seqnums and persists each one", func() {
			login()

			for want := uint64(1); want <= 3; want++ {
				before := b.cookie(web.CookieSession)
				rec := b.post("/api/game/quest/battleStart", map[string]any{"stageId": "main_01-07"})

				Expect(rec.Code).To(Equal(http.StatusOK))
				body := decodeBody(rec)
				Expect(body["seqnum"]).To(BeEquivalentTo(want))
				Expect(body["endpoint"]).To(Equal("quest/battleStart"))
				Expect(body["echo"]).To(Equal(map[string]any{"stageId": "main_01-07"}))
				Expect(b.cookie(web.CookieSession)).NotTo(Equal(before))
			}
			Expect(game.seqnums()).To(Equal([]uint64{1, 2, 3}))
		})

		It("reports a replayed stale payload as session expired", func() {
			login()
			stale := b.cookie(web.CookieSession)

			Expect(b.post("/api/game/quest/battleStart", nil).Code).To(Equal(http.StatusOK))

			b.setCookie(web.CookieSession, stale)
			rec := b.post("/api/game/quest/battleStart", nil)

			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(decodeBody(rec)).To(Equal(map[string]any{
				"error":   "session_expired",
				"message": "session expired, please log in again",
			}))
			Expect(b.cookie(web.CookieToken)).To(BeEmpty())
			Expect(b.cookie(web.CookieSession)).To(BeEmpty())
			Expect(registry.Len()).To(BeZero())
			Expect(game.seqnums()).To(Equal([]uint64{1, 1}))
		})

		It("ends the session when the secret is rejected", func() {
			login()
			token := b.cookie(web.CookieToken)

			rec := b.post("/api/game/secret/revoked", nil)
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(decodeBody(rec)["error"]).To(Equal(web.ErrCodeSessionExpired))

			_, err := registry.Lookup(context.Background(), sitesession.HashToken(sitesession.Token(token)))
			Expect(errors.Is(err, sitesession.ErrNotFound)).To(BeTrue())
		})

		It("passes non-fatal upstream errors through and keeps the seqnum", func() {
			login()

			rec := b.post("/api/game/broken/call", nil)
			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			Expect(decodeBody(rec)).To(Equal(map[string]any{"result": float64(1)}))

			rec = b.post("/api/game/quest/battleStart", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(game.seqnums()).To(Equal([]uint64{1, 2}))
		})

		It("persists the consumed seqnum when the call times out", func() {
			handler = newHandler(50 * time.Millisecond)
			b = newBrowser(handler)
			login()

			rec := b.post("/api/game/slow/call", nil)
			Expect(rec.Code).To(Equal(http.StatusGatewayTimeout))
			Expect(decodeBody(rec)["error"]).To(Equal(web.ErrCodeUpstreamTimeout))

			s, _, err := bridge.Resolve(context.Background(),
				sitesession.Token(b.cookie(web.CookieToken)),
				sitesession.Payload(b.cookie(web.CookieSession)))
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Seqnum()).To(Equal(uint64(1)))
		})

		It("writes the seqnum back without a second registry lookup", func() {
			limited := &limitedRegistry{MemoryRegistry: registry, allowed: 1}
			var err error
			bridge, err = sitesession.NewBridge([]byte("web-test-site-secret"), limited)
			Expect(err).NotTo(HaveOccurred())
			handler = newHandler(2 * time.Second)
			b = newBrowser(handler)
			login()

			before := b.cookie(web.CookieSession)
			rec := b.post("/api/game/quest/battleStart", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(b.cookie(web.CookieSession)).NotTo(Equal(before))
			Expect(limited.lookups()).To(Equal(1))

			healthy, err := sitesession.NewBridge([]byte("web-test-site-secret"), registry)
			Expect(err).NotTo(HaveOccurred())
			s, _, err := healthy.Resolve(context.Background(),
				sitesession.Token(b.cookie(web.CookieToken)),
				sitesession.Payload(b.cookie(web.CookieSession)))
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Seqnum()).To(Equal(uint64(1)))
		})

		It("fails the call when the advanced payload cannot be saved", func() {
			client := upstream.NewClient(upstream.WithTimeout(2 * time.Second))
			dispatcher, err := auth.NewDispatcher(client, game.configs())
			Expect(err).NotTo(HaveOccurred())
			handler, err = web.NewHandler(handshake, dispatcher, unsavedBridge{bridge},
				web.WithAllowedEndpoints("quest/*"),
				web.WithCookieSecure(false),
			)
			Expect(err).NotTo(HaveOccurred())
			b = newBrowser(handler)
			login()

			rec := b.post("/api/game/quest/battleStart", nil)
			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(decodeBody(rec)["error"]).To(Equal(web.ErrCodeSessionUnsaved))
			Expect(b.cookie(web.CookieToken)).To(BeEmpty())
			Expect(b.cookie(web.CookieSession)).To(BeEmpty())
			Expect(registry.Len()).To(BeZero())
			Expect(game.seqnums()).To(Equal([]uint64{1}))
		})
	})

	Describe("POST /api/auth/logout", func() {
		It("revokes the token and clears cookies", func() {
			login()
			token := b.cookie(web.CookieToken)
			payload := b.cookie(web.CookieSession)

			rec := b.post("/api/auth/logout", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(b.cookie(web.CookieToken)).To(BeEmpty())
			Expect(registry.Len()).To(BeZero())

			b.setCookie(web.CookieToken, token)
			b.setCookie(web.CookieSession, payload)
			rec = b.post("/api/game/quest/battleStart", nil)
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(decodeBody(rec)["error"]).To(Equal(web.ErrCodeNotAuthenticated))
		})

		It("succeeds without a session", func() {
			rec := b.post("/api/auth/logout", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
		})
	})

	It("only routes POST requests", func() {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/login", nil))
		Expect(rec.Code).To(Equal(http.StatusMethodNotAllowed))

		Expect(b.post("/api/unknown", nil).Code).To(Equal(http.StatusNotFound))
	})

	It("tags responses with a request id", func() {
		rec := b.post("/api/auth/logout", nil)
		_, err := ulid.Parse(rec.Header().Get(web.HeaderRequestID))
		Expect(err).NotTo(HaveOccurred())

		req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
		req.Header.Set(web.HeaderRequestID, "req-1")
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		Expect(rec.Header().Get(web.HeaderRequestID)).To(Equal("req-1"))
	})

	It("logs failures with the request id", func() {
		var logs bytes.Buffer
		logger := logging.Setup("akauth", "test", "json", slog.LevelInfo, &logs)
		handler = newHandler(2*time.Second, web.WithLogger(logger))
		handshake.loginErr = &auth.StageError{Stage: auth.StageSecret, Err: errors.New("rejected")}

		req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
			strings.NewReader(`{"email":"user@example.com","code":"123456"}`))
		req.Header.Set(web.HeaderRequestID, "req-logged")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		Expect(logs.String()).To(ContainSubstring(`"request_id":"req-logged"`))
		Expect(logs.String()).To(ContainSubstring(`"msg":"login failed"`))
	})
})
