// Command rtmp-push publishes a synthetic H.264 stream to an RTMP server: a
// sequence header built from a fixed 1280x720 SPS/PPS, then paced access
// units with an IDR every GOP. The slices carry no picture data; the stream
// exercises ingest, demuxing and frame hand-off, not a real decoder.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:1935", "RTMP server address")
	keyFlag := flag.String("key", "live/test", "stream key (publish name)")
	countFlag := flag.Int("n", 1, "number of parallel streams (keys get a -N suffix)")
	fpsFlag := flag.Float64("fps", 30, "frames per second")
	gopFlag := flag.Int("gop", 60, "frames per GOP")
	framesFlag := flag.Int("frames", 0, "stop after this many frames (0 = run until killed)")
	flag.Parse()

	if *fpsFlag <= 0 || *gopFlag <= 0 || *countFlag <= 0 {
		fmt.Fprintln(os.Stderr, "fps, gop and n must be positive")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	for i := 1; i <= *countFlag; i++ {
		key := *keyFlag
		if *countFlag > 1 {
			key = fmt.Sprintf("%s-%d", key, i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			pushLoop(*addrFlag, key, *fpsFlag, *gopFlag, *framesFlag)
		}()
		time.Sleep(200 * time.Millisecond)
	}
	wg.Wait()
}

// pushLoop publishes until the frame budget is spent, reconnecting after
// connection loss.
func pushLoop(addr, key string, fps float64, gop, frames int) {
	for {
		fmt.Printf("[%s] connecting to %s...\n", key, addr)
		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] connect failed: %v, retrying...\n", key, err)
			time.Sleep(time.Second)
			continue
		}

		p := newPublisher(conn)
		sent, err := p.run(key, fps, gop, frames)
		conn.Close()
		if err == nil {
			fmt.Printf("[%s] done after %d frames\n", key, sent)
			return
		}
		fmt.Fprintf(os.Stderr, "[%s] connection lost after %d frames: %v, reconnecting...\n", key, sent, err)
		time.Sleep(time.Second)
	}
}
