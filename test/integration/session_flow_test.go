// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rhodeslab/akauth/internal/auth"
	"github.com/rhodeslab/akauth/internal/device"
	"github.com/rhodeslab/akauth/internal/region"
	"github.com/rhodeslab/akauth/internal/sitesession"
	sitepg "github.com/rhodeslab/akauth/internal/sitesession/postgres"
	"github.com/rhodeslab/akauth/internal/store"
	"github.com/rhodeslab/akauth/internal/upstream"
	"github.com/rhodeslab/akauth/internal/web"
)

const flowSecret = "integration-site-secret-0123456789abcdef"

// gameBackend emulates the identity provider, config, and game servers.
// Game calls must carry strictly increasing seqnums per uid.
type gameBackend struct {
	srv *httptest.Server

	mu      sync.Mutex
	lastSeq map[string]uint64
	seqnums []uint64
}

func newGameBackend() *gameBackend {
	b := &gameBackend{lastSeq: make(map[string]uint64)}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	return b
}

func (b *gameBackend) serve(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/config/network":
		content, _ := json.Marshal(map[string]any{
			"funcVer": "V042",
			"configs": map[string]any{
				"V042": map[string]any{
					"network": map[string]any{
						region.ServiceGame:    b.srv.URL + "/gs",
						region.ServiceAccount: b.srv.URL + "/as",
						region.ServiceU8:      b.srv.URL + "/u8",
						region.ServiceVersion: b.srv.URL + "/hv",
					},
				},
			},
		})
		flowJSON(w, map[string]any{"content": string(content)})
	case "/hv":
		flowJSON(w, map[string]any{"resVersion": "24-02-02-res", "clientVersion": "2.2.01"})
	case "/passport/account/yostar_auth_request":
		flowJSON(w, map[string]any{"result": 0})
	case "/passport/account/yostar_auth_submit":
		flowJSON(w, map[string]any{"result": 0, "yostar_uid": "y1", "yostar_token": "yt1"})
	case "/passport/user/yostar_createlogin":
		flowJSON(w, map[string]any{"result": 0, "uid": 100200, "token": "ct1"})
	case "/passport/user/login":
		flowJSON(w, map[string]any{"result": 0, "accessToken": "at1"})
	case "/u8/user/v1/getToken":
		flowJSON(w, map[string]any{"result": 0, "uid": "u1", "token": "dt1"})
	case "/gs/account/login":
		flowJSON(w, map[string]any{"result": 0, "secret": "s1"})
	default:
		if !strings.HasPrefix(r.URL.Path, "/gs/") {
			http.NotFound(w, r)
			return
		}
		if !b.accept(r) {
			flowJSON(w, map[string]any{"error": "seqnum_mismatch"})
			return
		}
		flowJSON(w, map[string]any{"result": 0, "path": r.URL.Path})
	}
}

func (b *gameBackend) accept(r *http.Request) bool {
	seq, err := strconv.ParseUint(r.Header.Get("seqnum"), 10, 64)
	if err != nil || r.Header.Get("secret") != "s1" {
		return false
	}
	uid := r.Header.Get("uid")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seqnums = append(b.seqnums, seq)
	if seq <= b.lastSeq[uid] {
		return false
	}
	b.lastSeq[uid] = seq
	return true
}

func (b *gameBackend) sent() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.seqnums...)
}

func flowJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// siteClient talks to the web API with a cookie jar.
type siteClient struct {
	base string
	http *http.Client
}

func (c *siteClient) post(path string, body any) (int, map[string]any) {
	GinkgoHelper()
	data, err := json.Marshal(body)
	Expect(err).NotTo(HaveOccurred())
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(data))
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	var out map[string]any
	Expect(json.Unmarshal(raw, &out)).To(Succeed(), string(raw))
	return resp.StatusCode, out
}

func (c *siteClient) cookie(name string) *http.Cookie {
	GinkgoHelper()
	u, err := url.Parse(c.base)
	Expect(err).NotTo(HaveOccurred())
	for _, ck := range c.http.Jar.Cookies(u) {
		if ck.Name == name {
			return ck
		}
	}
	return nil
}

func (c *siteClient) setCookie(ck *http.Cookie) {
	GinkgoHelper()
	u, err := url.Parse(c.base)
	Expect(err).NotTo(HaveOccurred())
	c.http.Jar.SetCookies(u, []*http.Cookie{{Name: ck.Name, Value: ck.Value, Path: "/"}})
}

var _ = Describe("Site session flow", Ordered, func() {
	var (
		ctx       context.Context
		container testcontainers.Container
		pool      *pgxpool.Pool
		backend   *gameBackend
		site      *httptest.Server
		client    *siteClient
	)

	countTokens := func() int {
		GinkgoHelper()
		var n int
		Expect(pool.QueryRow(ctx, "SELECT count(*) FROM site_tokens").Scan(&n)).To(Succeed())
		return n
	}

	BeforeAll(func() {
		ctx = context.Background()

		pg, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("akauth_flow"),
			postgres.WithUsername("akauth"),
			postgres.WithPassword("akauth"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second),
			),
		)
		Expect(err).NotTo(HaveOccurred())
		container = pg

		connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
		Expect(err).NotTo(HaveOccurred())

		migrator, err := store.NewMigrator(connStr)
		Expect(err).NotTo(HaveOccurred())
		Expect(migrator.Up()).To(Succeed())
		Expect(migrator.Close()).To(Succeed())

		pool, err = store.Open(ctx, connStr)
		Expect(err).NotTo(HaveOccurred())

		backend = newGameBackend()

		upstreamClient := upstream.NewClient(upstream.WithTimeout(5 * time.Second))
		fetcher := region.NewHTTPFetcher(upstreamClient,
			region.WithNetworkConfigURL(region.EN, backend.srv.URL+"/config/network"))
		regions := region.NewStore(fetcher, region.WithRetries(1), region.WithRetryBase(10*time.Millisecond))

		handshake := auth.NewHandshake(upstreamClient, regions, device.NewProvider(),
			auth.WithPassportURL(region.EN, backend.srv.URL+"/passport"))
		dispatcher, err := auth.NewDispatcher(upstreamClient, regions)
		Expect(err).NotTo(HaveOccurred())

		bridge, err := sitesession.NewBridge([]byte(flowSecret), sitepg.NewRegistry(pool))
		Expect(err).NotTo(HaveOccurred())

		handler, err := web.NewHandler(handshake, dispatcher, bridge,
			web.WithAllowedEndpoints("account/*", "building/*"),
			web.WithCookieSecure(false),
			web.WithDefaultRegion(region.EN),
		)
		Expect(err).NotTo(HaveOccurred())
		site = httptest.NewServer(handler)

		jar, err := cookiejar.New(nil)
		Expect(err).NotTo(HaveOccurred())
		client = &siteClient{base: site.URL, http: &http.Client{Jar: jar, Timeout: 10 * time.Second}}
	})

	AfterAll(func() {
		if site != nil {
			site.Close()
		}
		if backend != nil {
			backend.srv.Close()
		}
		if pool != nil {
			pool.Close()
		}
		if container != nil {
			_ = container.Terminate(ctx)
		}
	})

	It("refuses game calls before login", func() {
		status, body := client.post("/api/game/account/syncData", map[string]any{})
		Expect(status).To(Equal(http.StatusUnauthorized))
		Expect(body["error"]).To(Equal(web.ErrCodeNotAuthenticated))
	})

	It("sends a login code", func() {
		status, body := client.post("/api/auth/code", map[string]any{"email": "doctor@example.com"})
		Expect(status).To(Equal(http.StatusOK))
		Expect(body["ok"]).To(BeTrue())
	})

	It("logs in and registers one site token", func() {
		status, body := client.post("/api/auth/login", map[string]any{
			"email": "doctor@example.com",
			"code":  "123456",
		})
		Expect(status).To(Equal(http.StatusOK))
		Expect(body).To(HaveKeyWithValue("uid", "u1"))
		Expect(body).To(HaveKeyWithValue("region", "en"))

		Expect(client.cookie(web.CookieToken)).NotTo(BeNil())
		Expect(client.cookie(web.CookieSession)).NotTo(BeNil())
		Expect(countTokens()).To(Equal(1))
	})

	It("numbers game calls 1..N across requests", func() {
		for _, endpoint := range []string{"account/syncData", "building/sync", "account/syncStatus"} {
			status, body := client.post("/api/game/"+endpoint, map[string]any{"platform": 1})
			Expect(status).To(Equal(http.StatusOK), "%v", body)
			Expect(body["path"]).To(Equal("/gs/" + endpoint))
		}
		Expect(backend.sent()).To(Equal([]uint64{1, 2, 3}))
	})

	It("refuses endpoints outside the allow list without consuming a seqnum", func() {
		status, body := client.post("/api/game/quest/battleStart", map[string]any{})
		Expect(status).To(Equal(http.StatusForbidden))
		Expect(body["error"]).To(Equal(web.ErrCodeEndpointNotAllowed))
		Expect(backend.sent()).To(HaveLen(3))
	})

	It("expires the session when a stale payload is replayed", func() {
		stale := client.cookie(web.CookieSession)
		Expect(stale).NotTo(BeNil())

		status, _ := client.post("/api/game/account/syncData", map[string]any{})
		Expect(status).To(Equal(http.StatusOK))

		client.setCookie(stale)
		status, body := client.post("/api/game/account/syncData", map[string]any{})
		Expect(status).To(Equal(http.StatusUnauthorized))
		Expect(body["error"]).To(Equal(web.ErrCodeSessionExpired))

		Expect(backend.sent()).To(Equal([]uint64{1, 2, 3, 4, 4}))
		Expect(countTokens()).To(Equal(0))
		Expect(client.cookie(web.CookieToken)).To(BeNil())
	})

	It("removes the site token on logout", func() {
		status, _ := client.post("/api/auth/login", map[string]any{
			"email": "doctor@example.com",
			"code":  "123456",
		})
		Expect(status).To(Equal(http.StatusOK))
		Expect(countTokens()).To(Equal(1))

		status, body := client.post("/api/auth/logout", map[string]any{})
		Expect(status).To(Equal(http.StatusOK))
		Expect(body["ok"]).To(BeTrue())
		Expect(countTokens()).To(Equal(0))

		status, _ = client.post("/api/game/account/syncData", map[string]any{})
		Expect(status).To(Equal(http.StatusUnauthorized))
	})
})
