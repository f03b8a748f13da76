/*
Package dbtest spins up throwaway database containers for tests, wrapping
testcontainers-go with the defaults this repository's integration tests share.

Reach for it when a test needs a working graph database and does not care how
it is deployed. A test that depends on a specific server setting should use the
testcontainers-go modules directly instead.

When a container-based test fails locally, keep its container alive for manual
inspection with:

	go test -dbtest.inspect

This package is meant for tests only.
*/
package dbtest
