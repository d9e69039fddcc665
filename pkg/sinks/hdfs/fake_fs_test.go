/*
Copyright The Divolte Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package hdfs

import (
	"bytes"
	"fmt"
	"time"
)

// fakeFS is an in-memory FileSystem with injectable failures.
type fakeFS struct {
	streams map[string]*fakeStream
	order   []*fakeStream

	createHook func(path string) error
	hsyncHook  func(s *fakeStream) error

	creates int
	deleted []string
	renamed map[string]string
}

func newFakeFS() *fakeFS {
	return &fakeFS{
		streams: map[string]*fakeStream{},
		renamed: map[string]string{},
	}
}

func (f *fakeFS) Create(path string, _ int16) (SyncableWriteStream, error) {
	f.creates++
	if f.createHook != nil {
		if err := f.createHook(path); err != nil {
			return nil, err
		}
	}
	if _, ok := f.streams[path]; ok {
		return nil, fmt.Errorf("file already exists: %s", path)
	}
	s := &fakeStream{fs: f, path: path}
	f.streams[path] = s
	f.order = append(f.order, s)
	return s, nil
}

func (f *fakeFS) Delete(path string) error {
	f.deleted = append(f.deleted, path)
	delete(f.streams, path)
	return nil
}

func (f *fakeFS) Rename(from, to string) error {
	s, ok := f.streams[from]
	if !ok {
		return fmt.Errorf("no such file: %s", from)
	}
	delete(f.streams, from)
	s.path = to
	f.streams[to] = s
	f.renamed[from] = to
	return nil
}

type fakeStream struct {
	fs   *fakeFS
	path string
	buf  bytes.Buffer

	hsyncs int
	closes int

	writeErr error
}

func (s *fakeStream) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return s.buf.Write(p)
}

func (s *fakeStream) Hsync() error {
	if s.fs.hsyncHook != nil {
		if err := s.fs.hsyncHook(s); err != nil {
			return err
		}
	}
	s.hsyncs++
	return nil
}

func (s *fakeStream) Close() error {
	s.closes++
	return nil
}

// fakeClock is a manually advanced wall clock.
type fakeClock struct {
	t time.Time
}

func newFakeClock(millis int64) *fakeClock {
	return &fakeClock{t: time.UnixMilli(millis)}
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}
