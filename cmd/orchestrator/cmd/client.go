package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const urlFlag = "url"

var httpClient = &http.Client{Timeout: 30 * time.Second}

// post sends body as JSON to the orchestrator at baseUrl and decodes the response into result when it is not nil.
func post(baseUrl string, path string, body interface{}, result interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.WithStack(err)
		}
		reader = bytes.NewReader(data)
	}
	url := strings.TrimSuffix(baseUrl, "/") + path
	resp, err := httpClient.Post(url, "application/json", reader)
	if err != nil {
		return errors.Wrapf(err, "error calling %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		message, _ := io.ReadAll(resp.Body)
		return errors.Errorf("%s returned %s: %s", url, resp.Status, strings.TrimSpace(string(message)))
	}
	if result == nil {
		return nil
	}
	return errors.WithStack(json.NewDecoder(resp.Body).Decode(result))
}
