package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRun_Dispatch(t *testing.T) {
	serverCalls := 0
	orig := startServer
	startServer = func() int {
		serverCalls++
		return 0
	}
	defer func() { startServer = orig }()

	var out, errOut bytes.Buffer

	assert.Equal(t, 0, Run([]string{"patron"}, &out, &errOut), "no args defaults to server")
	assert.Equal(t, 0, Run([]string{"patron", "server"}, &out, &errOut))
	assert.Equal(t, 0, Run([]string{"patron", "serve"}, &out, &errOut))
	assert.Equal(t, 0, Run([]string{"patron", "--port=9090"}, &out, &errOut), "flag args default to server")
	assert.Equal(t, 4, serverCalls)
}

func TestRun_Help(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"patron", "help"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "USAGE")
	assert.Contains(t, out.String(), "sweep")
}

func TestRun_UnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"patron", "bogus"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "Unknown command")
}
