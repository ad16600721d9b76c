package memvault_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/hupe1980/memvault"
)

func tempPath(name string) (string, func()) {
	dir, err := os.MkdirTemp("", "memvault-example")
	if err != nil {
		log.Fatal(err)
	}
	return filepath.Join(dir, name), func() { _ = os.RemoveAll(dir) }
}

// Example demonstrates storing and searching frames.
func Example() {
	ctx := context.Background()
	path, cleanup := tempPath("notes.mv")
	defer cleanup()

	mem, err := memvault.Create(path)
	if err != nil {
		log.Fatal(err)
	}
	defer mem.Close()

	for _, note := range []string{"Buy oat milk", "Deploy the billing service on Friday", "Call the dentist"} {
		if _, err := mem.Put(ctx, []byte(note), memvault.PutOptions{Track: "todo"}); err != nil {
			log.Fatal(err)
		}
	}
	if err := mem.Commit(ctx); err != nil {
		log.Fatal(err)
	}

	resp, err := mem.Search(ctx, memvault.SearchRequest{Query: "billing deploy"})
	if err != nil {
		log.Fatal(err)
	}
	for _, h := range resp.Hits {
		fmt.Println(h.FrameID, h.Snippet)
	}
	// Output: 1 Deploy the billing service on Friday
}

// Example_timeline demonstrates reading frames in time order.
func Example_timeline() {
	ctx := context.Background()
	path, cleanup := tempPath("journal.mv")
	defer cleanup()

	mem, err := memvault.Create(path)
	if err != nil {
		log.Fatal(err)
	}
	defer mem.Close()

	entries := []struct {
		ts   int64
		text string
	}{
		{1700000200, "lunch"},
		{1700000100, "breakfast"},
		{1700000300, "dinner"},
	}
	for _, e := range entries {
		if _, err := mem.Put(ctx, []byte(e.text), memvault.PutOptions{Timestamp: e.ts}); err != nil {
			log.Fatal(err)
		}
	}

	timeline, err := mem.Timeline(memvault.TimelineQuery{Reverse: true})
	if err != nil {
		log.Fatal(err)
	}
	for _, e := range timeline {
		fmt.Println(e.Timestamp, e.Preview)
	}
	// Output:
	// 1700000300 dinner
	// 1700000200 lunch
	// 1700000100 breakfast
}

// Example_verify demonstrates checking a closed memory.
func Example_verify() {
	ctx := context.Background()
	path, cleanup := tempPath("checked.mv")
	defer cleanup()

	mem, err := memvault.Create(path)
	if err != nil {
		log.Fatal(err)
	}
	if _, err := mem.Put(ctx, []byte("hello"), memvault.PutOptions{URI: "mv://hello"}); err != nil {
		log.Fatal(err)
	}
	if err := mem.Close(); err != nil {
		log.Fatal(err)
	}

	rep, err := memvault.Verify(ctx, path, true)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(rep.Status, rep.Frames)
	// Output: passed 1
}
