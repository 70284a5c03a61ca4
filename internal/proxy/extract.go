package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Extractor turns a directory response into proxy addresses.
type Extractor func(body []byte) ([]string, error)

var extractors = map[string]Extractor{
	"lines": Lines,
	"json":  JSONList,
}

// LookupExtractor returns the named extractor. An empty name selects "lines".
func LookupExtractor(name string) (Extractor, error) {
	if name == "" {
		name = "lines"
	}
	ex, ok := extractors[name]
	if !ok {
		return nil, fmt.Errorf("unknown proxy extractor %q (known: %s)", name, strings.Join(ExtractorNames(), ", "))
	}
	return ex, nil
}

// ExtractorNames lists the registered extractors.
func ExtractorNames() []string {
	names := make([]string, 0, len(extractors))
	for name := range extractors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lines reads one host:port per line. Blank lines and # comments are skipped.
func Lines(body []byte) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if fields := strings.Fields(line); len(fields) > 0 {
			line = fields[0]
		}
		if strings.Contains(line, ":") {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan proxy lines: %w", err)
	}
	return out, nil
}

type jsonProxy struct {
	IP      string `json:"ip"`
	Host    string `json:"host"`
	Port    any    `json:"port"`
	Proxy   string `json:"proxy"`
	Address string `json:"address"`
}

func (p jsonProxy) address() string {
	switch {
	case p.Proxy != "":
		return p.Proxy
	case p.Address != "":
		return p.Address
	}
	host := p.IP
	if host == "" {
		host = p.Host
	}
	if host == "" || p.Port == nil {
		return ""
	}
	switch port := p.Port.(type) {
	case float64:
		return fmt.Sprintf("%s:%d", host, int(port))
	case string:
		if port == "" {
			return ""
		}
		return host + ":" + port
	default:
		return ""
	}
}

// JSONList reads a JSON array of addresses or of {ip, port} objects. The array
// may also sit under a top-level "proxies" or "data" key.
func JSONList(body []byte) ([]string, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '{' {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(body, &wrapper); err != nil {
			return nil, fmt.Errorf("decode proxy object: %w", err)
		}
		inner, ok := wrapper["proxies"]
		if !ok {
			inner, ok = wrapper["data"]
		}
		if !ok {
			return nil, fmt.Errorf("proxy object has no proxies or data key")
		}
		body = inner
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode proxy list: %w", err)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
			continue
		}
		var p jsonProxy
		if err := json.Unmarshal(item, &p); err != nil {
			continue
		}
		if addr := p.address(); addr != "" {
			out = append(out, addr)
		}
	}
	return out, nil
}
