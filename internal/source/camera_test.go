package source

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)), nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mjpegHandler(frame []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=--frame")
		flusher := w.(http.Flusher)
		for {
			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
				return
			}
			w.Write(frame)
			w.Write([]byte("\r\n"))
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
}

func TestMJPEGStream(t *testing.T) {
	srv := httptest.NewServer(mjpegHandler(encodeJPEG(t, 320, 240)))
	defer srv.Close()

	cam := New(Config{URL: srv.URL}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cam.Run(ctx)

	waitFor(t, "frames", func() bool { return cam.Status().Frames >= 3 })
	img, ok := cam.Latest()
	if !ok || img.Bounds().Dx() != 320 || img.Bounds().Dy() != 240 {
		t.Fatalf("latest = %v %v", img, ok)
	}
	if raw, ok := cam.LatestJPEG(); !ok || raw[0] != 0xff {
		t.Fatal("raw JPEG not kept")
	}
	if !cam.Status().Connected {
		t.Fatal("status not connected")
	}
}

func TestSingleImagePolling(t *testing.T) {
	var buf bytes.Buffer
	png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 32)))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	cam := New(Config{URL: srv.URL, PollInterval: 5 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cam.Run(ctx)

	waitFor(t, "polled frames", func() bool { return cam.Status().Frames >= 2 })
	if st := cam.Status(); st.Width != 64 || st.Height != 32 {
		t.Fatalf("status = %+v", st)
	}
}

func TestErrorsAreReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cam := New(Config{URL: srv.URL}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cam.Run(ctx)

	waitFor(t, "error", func() bool { return strings.Contains(cam.Status().LastError, "503") })
	if _, ok := cam.Latest(); ok {
		t.Fatal("frame reported after failures")
	}
}

func TestSetURLRetargets(t *testing.T) {
	small := httptest.NewServer(mjpegHandler(encodeJPEG(t, 160, 120)))
	defer small.Close()
	large := httptest.NewServer(mjpegHandler(encodeJPEG(t, 640, 480)))
	defer large.Close()

	cam := New(Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cam.Run(ctx)

	cam.SetURL(small.URL)
	waitFor(t, "small frames", func() bool { return cam.Status().Width == 160 })
	cam.SetURL(large.URL)
	waitFor(t, "large frames", func() bool { return cam.Status().Width == 640 })
	if cam.URL() != large.URL {
		t.Fatalf("url = %s", cam.URL())
	}
}
