package rpc

// TestingT is an interface for testing compatibility.
type TestingT interface {
	Logf(format string, args ...any)
	FailNow()
	Cleanup(func())
}

// NewTestServer starts a server on a loopback port chosen by the kernel and
// closes it when the test ends.
func NewTestServer(t TestingT, handlers map[string]Handler) *Server {
	var server, err = Listen("127.0.0.1:0", handlers)
	if err != nil {
		t.Logf("failed to start test server: %v", err)
		t.FailNow()
	}

	t.Cleanup(func() {
		_ = server.Close()
	})

	return server
}
