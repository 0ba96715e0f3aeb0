// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

// Package sitesession carries an authenticated game session between HTTP
// requests. The client holds an opaque token and a signed payload with the
// session snapshot; the server keeps only the token hash in a Registry.
package sitesession
