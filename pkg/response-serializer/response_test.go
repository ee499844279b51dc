package serializer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestResponseToBytesBodyIntact(t *testing.T) {
	response := `HTTP/1.1 200 OK
Server: Test

This is the body`

	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	if err != nil {
		panic(err)
	}

	_, err = responseToBytes(res)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if fmt.Sprintf("%s", body) != "This is the body" {
		t.Fatalf("Body: %s", body)
	}
}

func TestTimedResponseSerialization(t *testing.T) {
	req, _ := http.NewRequest("GET", "https://app.example/index.html", nil)
	res := &http.Response{
		StatusCode:    201,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{},
		Body:          io.NopCloser(strings.NewReader("created")),
		ContentLength: 7,
		Request:       req,
	}
	res.Header.Add("Test", "-ing")
	// create times now and now + 1s
	reqTime := time.Now()
	resTime := reqTime.Add(time.Second)
	bts, err := StoredResponseToBytes(TimedResponse{
		Response:     res,
		ResponseTime: resTime,
		RequestTime:  reqTime,
	})
	if err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}
	// deserialize
	res2, err := BytesToStoredResponse(bts)
	if err != nil {
		t.Fatalf("Error creating response: %+v", err)
	}
	// check header, times
	if res2.Response.Header.Get("Test") != "-ing" {
		t.Fatalf("Test header wrong %+v", res2.Response.Header)
	}
	if res2.Response.Header.Get(responseTimeHeaderName) != "" || res2.Response.Header.Get(requestTimeHeaderName) != "" {
		t.Fatalf("Wrong amount of headers %+v", res2.Response.Header)
	}
	if res2.ResponseTime.Unix() != resTime.Unix() {
		t.Fatalf("Response time is %v, expected %v", res2.ResponseTime, resTime)
	}
	if res2.Response.StatusCode != 201 {
		t.Fatalf("Status is %d", res2.Response.StatusCode)
	}
	if body, _ := io.ReadAll(res2.Response.Body); string(body) != "created" {
		t.Fatalf("Stored body is %s", body)
	}
	// original body still readable
	if body, _ := io.ReadAll(res.Body); string(body) != "created" {
		t.Fatalf("Original body is %s", body)
	}
}

func TestCloneGivesTwoReadableBodies(t *testing.T) {
	res := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader("Hello world")),
	}
	clone, err := Clone(res)
	if err != nil {
		t.Fatal(err)
	}
	clone.Header.Set("Content-Type", "text/html")

	original, _ := io.ReadAll(res.Body)
	copied, _ := io.ReadAll(clone.Body)
	if string(original) != "Hello world" || string(copied) != "Hello world" {
		t.Fatalf("Bodies are %q and %q", original, copied)
	}
	if res.Header.Get("Content-Type") != "text/plain" {
		t.Fatal("Clone shares headers with the original")
	}
}

func TestCloneKeepsReadError(t *testing.T) {
	broken := errors.New("connection reset by peer")
	res := &http.Response{
		StatusCode: 200,
		Header:     http.Header{},
		Body:       io.NopCloser(io.MultiReader(strings.NewReader("Hel"), errorReader{broken})),
	}
	if _, err := Clone(res); !errors.Is(err, broken) {
		t.Fatalf("Error is %v", err)
	}
	body, err := io.ReadAll(res.Body)
	if !errors.Is(err, broken) || string(body) != "Hel" {
		t.Fatalf("Body is %q with error %v", body, err)
	}
}
