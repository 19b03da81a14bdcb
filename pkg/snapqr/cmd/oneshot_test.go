package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/snapqr/snapqr/pkg/snapqr/scanner"
)

func TestPrintResult(t *testing.T) {
	color.NoColor = true

	found := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	link := scanner.Result{ID: "a", Text: "example.com/menu", FoundAt: found}
	plain := scanner.Result{ID: "b", Text: "wifi password", FoundAt: found}

	var buf bytes.Buffer
	require.NoError(t, printResult(&buf, outputText, link))
	assert.Equal(t, "https://example.com/menu\n", buf.String())

	buf.Reset()
	require.NoError(t, printResult(&buf, outputText, plain))
	assert.Equal(t, "wifi password\n", buf.String())

	buf.Reset()
	require.NoError(t, printResult(&buf, outputJSON, link))
	var decoded scanner.Result
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, link.Text, decoded.Text)

	buf.Reset()
	require.NoError(t, printResult(&buf, outputYAML, plain))
	var fields map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &fields))
	assert.Equal(t, "wifi password", fields["text"])
	assert.Contains(t, fields, "found_at")
}
