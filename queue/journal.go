package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Titoyabril/oee-dashboard-sub000/errors"
)

const journalFileName = "queue.jsonl"

// journal persists queued messages as one JSON record per line so an
// unclean shutdown can be replayed on the next start. Payload bytes ride
// through encoding/json's standard base64 encoding. The journal is an
// append-only record of enqueues; compaction rewrites it from the live
// queue contents once the append count or a drain makes the tail stale.
type journal struct {
	path    string
	file    *os.File
	writer  *bufio.Writer
	appends int
}

// openJournal opens (creating if needed) the journal under dir and returns
// the messages recorded by a previous run in their original enqueue order.
// Lines that fail to parse are skipped and counted rather than aborting the
// load; a torn final write must not poison the rest of the backlog.
func openJournal(dir string) (*journal, []Message, int, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, nil, 0, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrJournalUnavailable, err),
			"queue", "openJournal", "create journal directory")
	}

	path := filepath.Join(dir, journalFileName)
	recovered, corrupt, err := readJournal(path)
	if err != nil {
		return nil, nil, 0, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, 0, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrJournalUnavailable, err),
			"queue", "openJournal", "open journal file")
	}

	return &journal{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
	}, recovered, corrupt, nil
}

func readJournal(path string) ([]Message, int, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, errors.WrapTransient(err, "queue", "readJournal", "open journal file")
	}
	defer file.Close()

	var (
		messages []Message
		corrupt  int
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil || m.Topic == "" {
			corrupt++
			continue
		}
		messages = append(messages, m)
	}
	if err := scanner.Err(); err != nil {
		return messages, corrupt, errors.WrapTransient(err, "queue", "readJournal", "scan journal file")
	}
	return messages, corrupt, nil
}

// append writes one record and flushes it to the OS so a process crash
// loses at most the in-flight line. It does not fsync; surviving a power
// cut is traded for not stalling the hot path on every enqueue.
func (j *journal) append(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errors.WrapInvalid(err, "queue", "append", "marshal journal record")
	}
	if _, err := j.writer.Write(data); err != nil {
		return errors.WrapTransient(err, "queue", "append", "write journal record")
	}
	if err := j.writer.WriteByte('\n'); err != nil {
		return errors.WrapTransient(err, "queue", "append", "write journal record")
	}
	if err := j.writer.Flush(); err != nil {
		return errors.WrapTransient(err, "queue", "append", "flush journal")
	}
	j.appends++
	return nil
}

// compact rewrites the journal to hold exactly the given messages. The
// replacement is written to a temp file and renamed into place so a crash
// mid-compaction leaves either the old journal or the new one, never a
// truncated hybrid.
func (j *journal) compact(messages []Message) error {
	tmp := j.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return errors.WrapTransient(err, "queue", "compact", "create temp journal")
	}

	writer := bufio.NewWriter(file)
	for _, m := range messages {
		data, err := json.Marshal(m)
		if err != nil {
			file.Close()
			os.Remove(tmp)
			return errors.WrapInvalid(err, "queue", "compact", "marshal journal record")
		}
		if _, err := writer.Write(append(data, '\n')); err != nil {
			file.Close()
			os.Remove(tmp)
			return errors.WrapTransient(err, "queue", "compact", "write temp journal")
		}
	}
	if err := writer.Flush(); err != nil {
		file.Close()
		os.Remove(tmp)
		return errors.WrapTransient(err, "queue", "compact", "flush temp journal")
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return errors.WrapTransient(err, "queue", "compact", "close temp journal")
	}

	// Swap the live file handle before the rename so no append lands on the
	// file being replaced.
	if err := j.writer.Flush(); err != nil {
		return errors.WrapTransient(err, "queue", "compact", "flush journal")
	}
	j.file.Close()

	if err := os.Rename(tmp, j.path); err != nil {
		os.Remove(tmp)
		return errors.WrapTransient(err, "queue", "compact", "rename temp journal")
	}

	file, err = os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return errors.WrapTransient(err, "queue", "compact", "reopen journal file")
	}
	j.file = file
	j.writer = bufio.NewWriter(file)
	j.appends = 0
	return nil
}

func (j *journal) close() error {
	if err := j.writer.Flush(); err != nil {
		j.file.Close()
		return errors.WrapTransient(err, "queue", "close", "flush journal")
	}
	if err := j.file.Close(); err != nil {
		return errors.WrapTransient(err, "queue", "close", "close journal file")
	}
	return nil
}
