package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"remotectl/codec"
	"remotectl/message"
	"remotectl/verb"
	"remotectl/world"
	"testing"
)

func benchRequest(b *testing.B) []byte {
	req, err := message.NewRequest(verb.Query, 1, verb.QueryParams{Data: verb.QueryData{Components: []string{world.CameraPath}}})
	if err != nil {
		b.Fatal(err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		b.Fatal(err)
	}
	return body
}

func benchServer(b *testing.B) *harness {
	return startServer(b, verb.NewDefaultRegistry(), func(w *world.World) {
		w.Spawn(map[string]json.RawMessage{world.CameraPath: json.RawMessage(`{"is_active":true,"order":0}`)})
	})
}

// 场景1: 单 goroutine 串行调用。每个请求至少等一个 tick。
func BenchmarkSerialCall(b *testing.B) {
	h := benchServer(b)
	body := benchRequest(b)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		resp, err := http.Post(h.url, codec.ContentTypeJSON, bytes.NewReader(body))
		if err != nil {
			b.Fatal(err)
		}
		resp.Body.Close()
	}
}

// 场景2: 多 goroutine 并发调用，同一个 tick 里批量处理
func BenchmarkConcurrentCall(b *testing.B) {
	h := benchServer(b)
	body := benchRequest(b)
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			resp, err := http.Post(h.url, codec.ContentTypeJSON, bytes.NewReader(body))
			if err != nil {
				b.Error(err)
				return
			}
			resp.Body.Close()
		}
	})
}

func benchmarkCodec(b *testing.B, cdc codec.Codec) {
	req := &message.Request{
		Verb:   verb.Get,
		ID:     json.RawMessage(`4294967298`),
		Params: json.RawMessage(`{"data":{"entity":4294967298,"components":["bevy_transform::components::transform::Transform"]}}`),
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(req)
		var out message.Request
		cdc.Decode(data, &out)
	}
}

// 场景3: JSON 编解码性能（不走网络，纯 codec）
func BenchmarkCodecJSON(b *testing.B) { benchmarkCodec(b, codec.GetCodec(codec.CodecTypeJSON)) }

// 场景4: CBOR 编解码性能（不走网络，纯 codec）
func BenchmarkCodecCBOR(b *testing.B) { benchmarkCodec(b, codec.GetCodec(codec.CodecTypeCBOR)) }
