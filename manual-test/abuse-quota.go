package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"syscall"
)

func main() {
	// Run inside a quotafs mount. Many writers race to fill the quota of the
	// current user, afterwards the bytes on disk must match the ledger entry
	// reported by quotafs-usage.
	var lock sync.Mutex
	written := int64(0)
	refused := 0

	wg := &sync.WaitGroup{}
	start := make(chan struct{})
	for i := 0; i < 10; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = <-start
			f, err := os.Create(fmt.Sprintf("abuse.%d", i))
			if err != nil {
				log.Fatalf("error opening file: %s", err)
			}
			defer f.Close()

			buf := make([]byte, 333)
			for {
				n, err := f.Write(buf)
				lock.Lock()
				written += int64(n)
				lock.Unlock()
				if errors.Is(err, syscall.EDQUOT) {
					lock.Lock()
					refused += 1
					lock.Unlock()
					return
				}
				if err != nil {
					log.Fatalf("unexpected write error: %s", err)
				}
			}
		}(i)
	}
	close(start)
	wg.Wait()

	log.Printf("%d bytes written by uid %d before %d writers were refused.", written, os.Getuid(), refused)
}
