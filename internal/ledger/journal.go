package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

// journalLine is one discovered page in frontier.jsonl.
type journalLine struct {
	URL      string        `json:"url"`
	Children []journalLink `json:"children"`
}

type journalLink struct {
	URL       string        `json:"url"`
	Partition string        `json:"partition,omitempty"`
	Stage     harvest.Stage `json:"stage"`
}

type journal struct {
	path string
	f    *os.File
}

// openJournal replays path into index. Later lines for the same URL win.
func openJournal(path string, index *Index, logger *zap.Logger) (*journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600) // #nosec G304 -- operator-supplied journal path.
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	good, err := replayJournal(f, index)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("load journal %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat journal %s: %w", path, err)
	}
	if good < info.Size() {
		logger.Warn("truncating torn journal tail",
			zap.String("path", path),
			zap.Int64("dropped_bytes", info.Size()-good),
		)
		if err := f.Truncate(good); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("truncate journal %s: %w", path, err)
		}
	}
	if _, err := f.Seek(good, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("seek journal %s: %w", path, err)
	}
	return &journal{path: path, f: f}, nil
}

func replayJournal(r io.Reader, index *Index) (int64, error) {
	br := bufio.NewReader(r)
	var good int64
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			var jl journalLine
			if decodeErr := json.Unmarshal(bytes.TrimSpace(line), &jl); decodeErr != nil {
				if err == nil {
					if _, peekErr := br.Peek(1); peekErr == nil {
						return 0, fmt.Errorf("corrupt journal line at byte %d: %w", good, decodeErr)
					}
				}
				return good, nil
			}
			index.PutPage(jl.URL, fromLinks(jl.Children))
			good += int64(len(line))
		}
		if err == io.EOF {
			return good, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read journal: %w", err)
		}
	}
}

func (j *journal) append(url string, children []harvest.CrawlTarget) error {
	line, err := json.Marshal(journalLine{URL: url, Children: toLinks(children)})
	if err != nil {
		return fmt.Errorf("encode journal line: %w", err)
	}
	line = append(line, '\n')
	if _, err := j.f.Write(line); err != nil {
		return fmt.Errorf("write %s: %w", j.path, err)
	}
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", j.path, err)
	}
	return nil
}

func (j *journal) close() error {
	if err := j.f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", j.path, err)
	}
	return nil
}

func toLinks(children []harvest.CrawlTarget) []journalLink {
	out := make([]journalLink, 0, len(children))
	for _, c := range children {
		out = append(out, journalLink{URL: c.URL, Partition: c.Partition, Stage: c.Stage})
	}
	return out
}

func fromLinks(links []journalLink) []harvest.CrawlTarget {
	out := make([]harvest.CrawlTarget, 0, len(links))
	for _, l := range links {
		out = append(out, harvest.CrawlTarget{URL: l.URL, Partition: l.Partition, Stage: l.Stage})
	}
	return out
}

// EncodeChildren serializes discovered children in the journal format.
func EncodeChildren(children []harvest.CrawlTarget) ([]byte, error) {
	data, err := json.Marshal(toLinks(children))
	if err != nil {
		return nil, fmt.Errorf("encode children: %w", err)
	}
	return data, nil
}

// DecodeChildren parses the output of EncodeChildren.
func DecodeChildren(data []byte) ([]harvest.CrawlTarget, error) {
	var links []journalLink
	if err := json.Unmarshal(data, &links); err != nil {
		return nil, fmt.Errorf("decode children: %w", err)
	}
	return fromLinks(links), nil
}
