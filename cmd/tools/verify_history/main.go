// Command verify_history checks point-in-time reads against a running node:
// two writes a few seconds apart, then latest, as-of and missing key reads.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

type client struct {
	base string
	http *http.Client
}

type version struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
}

func (c *client) do(method, path string, body []byte) (int, []byte, error) {
	req, err := http.NewRequest(method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	fmt.Printf("%s %s -> %d: %s\n", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	return resp.StatusCode, data, err
}

func (c *client) write(key string, value any) (version, error) {
	body, _ := json.Marshal(map[string]any{key: value})
	code, data, err := c.do(http.MethodPost, "/object", body)
	if err != nil {
		return version{}, err
	}
	if code != http.StatusOK {
		return version{}, fmt.Errorf("write %s: status %d", key, code)
	}
	var v version
	return v, json.Unmarshal(data, &v)
}

func (c *client) read(key string, ts *int64) (int, version, error) {
	path := "/object/" + key
	if ts != nil {
		path += fmt.Sprintf("?timestamp=%d", *ts)
	}
	code, data, err := c.do(http.MethodGet, path, nil)
	if err != nil || code != http.StatusOK {
		return code, version{}, err
	}
	var v version
	return code, v, json.Unmarshal(data, &v)
}

type checker struct{ failed bool }

func (ck *checker) expect(ok bool, format string, args ...any) {
	if ok {
		fmt.Printf("PASS: "+format+"\n", args...)
		return
	}
	ck.failed = true
	fmt.Printf("FAIL: "+format+"\n", args...)
}

func valueIs(v version, want string) bool {
	var got string
	return json.Unmarshal(v.Value, &got) == nil && got == want
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "node base URL")
	wait := flag.Duration("wait", 1100*time.Millisecond, "pause between the two writes")
	flag.Parse()

	c := &client{base: strings.TrimRight(*addr, "/"), http: &http.Client{Timeout: 10 * time.Second}}
	// A fresh key per run so earlier runs do not leak into the history.
	key := "verify-" + uuid.NewString()
	var ck checker

	fmt.Println("1. Write value1")
	w1, err := c.write(key, "value1")
	if err != nil {
		fmt.Println("FAIL:", err)
		os.Exit(1)
	}

	time.Sleep(*wait)

	fmt.Println("2. Write value2")
	w2, err := c.write(key, "value2")
	if err != nil {
		fmt.Println("FAIL:", err)
		os.Exit(1)
	}
	ck.expect(w2.Timestamp > w1.Timestamp, "T2 (%d) > T1 (%d)", w2.Timestamp, w1.Timestamp)

	fmt.Println("3. Read latest")
	code, v, err := c.read(key, nil)
	ck.expect(err == nil && code == http.StatusOK && valueIs(v, "value2"), "latest is value2")

	fmt.Println("4. Read as of T1")
	code, v, err = c.read(key, &w1.Timestamp)
	ck.expect(err == nil && code == http.StatusOK && valueIs(v, "value1"), "as of T1 is value1")

	fmt.Println("5. Read as of T2")
	code, v, err = c.read(key, &w2.Timestamp)
	ck.expect(err == nil && code == http.StatusOK && valueIs(v, "value2"), "as of T2 is value2")

	fmt.Println("6. Read before T1")
	before := w1.Timestamp - 1
	code, _, err = c.read(key, &before)
	ck.expect(err == nil && code == http.StatusNotFound, "before T1 is not found")

	fmt.Println("7. Read missing key")
	code, _, err = c.read("other-"+uuid.NewString(), nil)
	ck.expect(err == nil && code == http.StatusNotFound, "missing key is not found")

	fmt.Println("8. Repeat reads")
	_, first, _ := c.read(key, &w1.Timestamp)
	_, again, _ := c.read(key, &w1.Timestamp)
	ck.expect(bytes.Equal(first.Value, again.Value) && first.Timestamp == again.Timestamp, "reads are repeatable")

	if ck.failed {
		os.Exit(1)
	}
	fmt.Println("All checks passed.")
}
