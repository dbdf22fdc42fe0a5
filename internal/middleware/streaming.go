package middleware

import (
	"bufio"
	"net"
	"net/http"
)

// StreamingResponseWriter wraps http.ResponseWriter while preserving the
// optional interfaces SSE relaying depends on, most importantly http.Flusher.
type StreamingResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
}

func NewStreamingResponseWriter(w http.ResponseWriter) *StreamingResponseWriter {
	return &StreamingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (w *StreamingResponseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.statusCode = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *StreamingResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += int64(n)
	return n, err
}

func (w *StreamingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *StreamingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (w *StreamingResponseWriter) StatusCode() int { return w.statusCode }

func (w *StreamingResponseWriter) BytesWritten() int64 { return w.bytesWritten }

// WroteAnything reports whether any response bytes reached the client, which
// is the point of no return for endpoint retries.
func (w *StreamingResponseWriter) WroteAnything() bool { return w.bytesWritten > 0 }
