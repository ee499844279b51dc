package tee

import (
	"io"
	"net/http"
	"testing"
)

func TestResultParsesRecordedResponse(t *testing.T) {
	rs := NewResponseSaver()
	rs.Header().Set("Content-Type", "text/plain")
	rs.WriteHeader(http.StatusCreated)
	rs.Write([]byte("Hello "))
	rs.Write([]byte("world"))

	req, _ := http.NewRequest("GET", "http://app.example/", nil)
	res, err := rs.Result(req)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusCreated || rs.StatusCode() != http.StatusCreated {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("Content-Type is %s", ct)
	}
	if body, _ := io.ReadAll(res.Body); string(body) != "Hello world" {
		t.Fatalf("Body is %s", body)
	}
	if res.Request != req {
		t.Fatal("Request not attached")
	}
}

func TestImplicitOK(t *testing.T) {
	rs := NewResponseSaver()
	rs.Write([]byte("ok"))
	res, err := rs.Result(nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
}
