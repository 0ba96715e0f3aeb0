// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

//go:build integration

package cli_test

import (
	"context"
	"os/exec"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
)

// akauth runs the CLI against the test database and returns its output.
func akauth(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "go", append([]string{"run", "."}, args...)...)
	cmd.Dir = "../../../cmd/akauth"
	cmd.Env = append(cmd.Environ(),
		"AKAUTH_DATABASE_URL="+env.connStr,
		"XDG_CONFIG_HOME="+GinkgoT().TempDir(),
		"XDG_STATE_HOME="+GinkgoT().TempDir(),
	)
	output, err := cmd.CombinedOutput()
	return string(output), err
}

func tableExists(ctx context.Context, name string) bool {
	var exists bool
	err := env.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)", name,
	).Scan(&exists)
	Expect(err).NotTo(HaveOccurred())
	return exists
}

var _ = Describe("Migrate Command", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
		cleanupDatabase(ctx, env.pool)
	})

	It("applies every migration and reports the version", func() {
		output, err := akauth(ctx, "migrate", "up")
		Expect(err).NotTo(HaveOccurred(), "migrate up failed: %s", output)
		Expect(output).To(ContainSubstring("version: 2 (000002_index_site_tokens_expiry)"))
		Expect(output).To(ContainSubstring("pending: none"))

		Expect(tableExists(ctx, "site_tokens")).To(BeTrue())
	})

	It("is idempotent", func() {
		_, err := akauth(ctx, "migrate", "up")
		Expect(err).NotTo(HaveOccurred())

		output, err := akauth(ctx, "migrate", "up")
		Expect(err).NotTo(HaveOccurred(), "second migrate up failed: %s", output)
		Expect(output).To(ContainSubstring("version: 2"))
	})

	It("shows pending migrations on a fresh database", func() {
		output, err := akauth(ctx, "migrate", "version")
		Expect(err).NotTo(HaveOccurred(), "migrate version failed: %s", output)
		Expect(output).To(ContainSubstring("version: 0 (none)"))
		Expect(output).To(ContainSubstring("pending: 1, 2"))
	})

	It("rolls back one step and then everything", func() {
		_, err := akauth(ctx, "migrate", "up")
		Expect(err).NotTo(HaveOccurred())

		output, err := akauth(ctx, "migrate", "down", "--steps", "1")
		Expect(err).NotTo(HaveOccurred(), "migrate down --steps failed: %s", output)
		Expect(output).To(ContainSubstring("version: 1 (000001_create_site_tokens)"))
		Expect(tableExists(ctx, "site_tokens")).To(BeTrue())

		output, err = akauth(ctx, "migrate", "down")
		Expect(err).NotTo(HaveOccurred(), "migrate down failed: %s", output)
		Expect(output).To(ContainSubstring("version: 0 (none)"))
		Expect(tableExists(ctx, "site_tokens")).To(BeFalse())
	})

	It("fails without a database URL", func() {
		cmd := exec.CommandContext(ctx, "go", "run", ".", "migrate", "up")
		cmd.Dir = "../../../cmd/akauth"
		cmd.Env = append(cmd.Environ(), "AKAUTH_DATABASE_URL=", "XDG_CONFIG_HOME="+GinkgoT().TempDir())
		output, err := cmd.CombinedOutput()
		Expect(err).To(HaveOccurred())
		Expect(string(output)).To(ContainSubstring("AKAUTH_DATABASE_URL"))
	})
})
