// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package web_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/rhodeslab/akauth/internal/web"
)

var _ = Describe("Server", func() {
	var logger *slog.Logger

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	})

	It("serves the handler until stopped", func() {
		srv := web.NewServer("127.0.0.1:0", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}), logger)

		errCh, err := srv.Start()
		Expect(err).NotTo(HaveOccurred())
		Expect(srv.Addr()).NotTo(BeEmpty())

		resp, err := http.Get("http://" + srv.Addr() + "/")
		Expect(err).NotTo(HaveOccurred())
		_ = resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusTeapot))

		_, err = srv.Start()
		Expect(err).To(HaveOccurred())

		Expect(srv.Stop(context.Background())).To(Succeed())
		Eventually(errCh).Should(BeClosed())
		Expect(srv.Stop(context.Background())).To(Succeed())
	})

	It("fails to start on a bad address", func() {
		srv := web.NewServer("256.0.0.1:99999", http.NotFoundHandler(), logger)
		_, err := srv.Start()
		Expect(err).To(HaveOccurred())
	})
})
