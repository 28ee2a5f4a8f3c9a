package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainerName(t *testing.T) {
	assert.Equal(t, "wopr-bot-abc123", containerName("abc123"))
}

func TestDigestSuffix(t *testing.T) {
	assert.Equal(t, "sha256:deadbeef", digestSuffix("ghcr.io/acme/bot@sha256:deadbeef"))
	assert.Equal(t, "sha256:deadbeef", digestSuffix("sha256:deadbeef"))
}

func TestCommandTargetName(t *testing.T) {
	assert.Equal(t, "wopr-bot-b1", commandTargetName(map[string]interface{}{"botId": "b1"}))
	assert.Equal(t, "wopr-bot-stray-container", commandTargetName(map[string]interface{}{"containerName": "stray-container"}))
	assert.Equal(t, "", commandTargetName(nil))
}

func TestStringPayload(t *testing.T) {
	assert.Equal(t, "v", stringPayload(map[string]interface{}{"k": "v"}, "k"))
	assert.Equal(t, "", stringPayload(nil, "k"))
	assert.Equal(t, "", stringPayload(map[string]interface{}{"k": 5}, "k"))
}

func TestWsURLFor(t *testing.T) {
	u, err := wsURLFor("http://localhost:8080", "node-1")
	assert.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/v1/nodes/node-1/ws", u)

	u, err = wsURLFor("https://controlplane.example.com", "node-2")
	assert.NoError(t, err)
	assert.Equal(t, "wss://controlplane.example.com/v1/nodes/node-2/ws", u)
}
