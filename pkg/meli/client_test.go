package meli

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(baseURL string) (*Client, *[]time.Duration) {
	c := NewClient(&Config{AppID: "app", Secret: "secret", BaseURL: baseURL})
	var sleeps []time.Duration
	c.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	return c, &sleeps
}

// ==================== 分页抓取 ====================

func TestClient_FetchAllItemIDs_ScrollTermination(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			if strings.Contains(r.URL.RawQuery, "scroll_id") {
				t.Error("首页请求不应携带 scroll_id")
			}
			fmt.Fprint(w, `{"results":["MLB1","MLB2"],"scroll_id":"abc"}`)
			return
		}
		if !strings.Contains(r.URL.RawQuery, "scroll_id=abc") {
			t.Errorf("第二页应携带上一页的 scroll_id, query = %s", r.URL.RawQuery)
		}
		fmt.Fprint(w, `{"results":["MLB3"]}`)
	}))
	defer server.Close()

	client, _ := newTestClient(server.URL)
	ids, err := client.FetchAllItemIDs(context.Background(), 111, "tok", nil)
	if err != nil {
		t.Fatalf("抓取失败: %v", err)
	}

	want := []string{"MLB1", "MLB2", "MLB3"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
	if calls != 2 {
		t.Errorf("请求次数 = %d, want 2 (scroll_id 缺失应停止翻页)", calls)
	}
}

func TestClient_FetchAllItemIDs_MissingResultsAborts(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			fmt.Fprint(w, `{"results":["MLB1"],"scroll_id":"abc"}`)
			return
		}
		// 第二页畸形：没有 results 字段
		fmt.Fprint(w, `{"scroll_id":"def"}`)
	}))
	defer server.Close()

	client, _ := newTestClient(server.URL)
	ids, err := client.FetchAllItemIDs(context.Background(), 111, "tok", nil)
	if err == nil {
		t.Fatal("畸形分页应当让整次抓取失败")
	}
	if ids != nil {
		t.Errorf("失败时不应返回半截结果, got %v", ids)
	}
}

type recordSink struct {
	messages []string
}

func (s *recordSink) Progress(msg string) { s.messages = append(s.messages, msg) }

func TestClient_FetchAllItemIDs_ProgressSink(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":["MLB1","MLB2"]}`)
	}))
	defer server.Close()

	client, _ := newTestClient(server.URL)
	sink := &recordSink{}
	if _, err := client.FetchAllItemIDs(context.Background(), 111, "tok", sink); err != nil {
		t.Fatalf("抓取失败: %v", err)
	}
	if len(sink.messages) != 1 {
		t.Fatalf("进度回报次数 = %d, want 1", len(sink.messages))
	}
	if !strings.Contains(sink.messages[0], "2") {
		t.Errorf("进度消息应包含累计数量, got %q", sink.messages[0])
	}
}

// ==================== 批量上限 ====================

func TestClient_FetchItemsDetails_BatchCeiling(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `[]`)
	}))
	defer server.Close()

	client, _ := newTestClient(server.URL)

	// 21 个 ID：拒绝且不发任何请求
	ids := make([]string, 21)
	for i := range ids {
		ids[i] = fmt.Sprintf("MLB%d", i)
	}
	if _, err := client.FetchItemsDetails(context.Background(), "tok", ids); err != ErrBatchTooLarge {
		t.Errorf("err = %v, want ErrBatchTooLarge", err)
	}
	if calls != 0 {
		t.Errorf("超限批次不应产生网络调用, calls = %d", calls)
	}

	// 正好 20 个：恰好一次请求
	if _, err := client.FetchItemsDetails(context.Background(), "tok", ids[:20]); err != nil {
		t.Fatalf("20 个 ID 应当成功: %v", err)
	}
	if calls != 1 {
		t.Errorf("请求次数 = %d, want 1", calls)
	}
}

func TestClient_FetchItemsVisits_BatchCeiling(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `[]`)
	}))
	defer server.Close()

	client, _ := newTestClient(server.URL)

	ids := make([]string, 51)
	for i := range ids {
		ids[i] = fmt.Sprintf("MLB%d", i)
	}
	if _, err := client.FetchItemsVisits(context.Background(), "tok", ids); err != ErrBatchTooLarge {
		t.Errorf("err = %v, want ErrBatchTooLarge", err)
	}
	if calls != 0 {
		t.Errorf("超限批次不应产生网络调用, calls = %d", calls)
	}
}

// ==================== 限流退避 ====================

func TestClient_RateLimitBackoff(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `[]`)
	}))
	defer server.Close()

	client, sleeps := newTestClient(server.URL)
	if _, err := client.FetchItemsDetails(context.Background(), "tok", []string{"MLB1"}); err != nil {
		t.Fatalf("三次 429 后的 200 应当成功: %v", err)
	}

	want := []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}
	if len(*sleeps) != len(want) {
		t.Fatalf("sleep 次数 = %d, want %d", len(*sleeps), len(want))
	}
	for i, d := range want {
		if (*sleeps)[i] != d {
			t.Errorf("sleep[%d] = %v, want %v", i, (*sleeps)[i], d)
		}
	}
	if calls != 4 {
		t.Errorf("请求次数 = %d, want 4", calls)
	}
}

func TestClient_RateLimitExhausted(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, sleeps := newTestClient(server.URL)
	if _, err := client.FetchItemsDetails(context.Background(), "tok", []string{"MLB1"}); err != ErrRateLimited {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
	// 第四次 429 直接失败，不再有第四次睡眠和第五次请求
	if calls != 4 {
		t.Errorf("请求次数 = %d, want 4", calls)
	}
	if len(*sleeps) != 3 {
		t.Errorf("sleep 次数 = %d, want 3", len(*sleeps))
	}
}

func TestClient_Non429ErrorNoRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client, sleeps := newTestClient(server.URL)
	if _, err := client.FetchItemsDetails(context.Background(), "tok", []string{"MLB1"}); err == nil {
		t.Fatal("403 应当立刻失败")
	}
	if calls != 1 {
		t.Errorf("非 429 错误不应重试, calls = %d", calls)
	}
	if len(*sleeps) != 0 {
		t.Errorf("非 429 错误不应退避, sleeps = %v", *sleeps)
	}
}

// ==================== 并发运费查询 ====================

func TestClient_FetchShippingQuotes_PartialFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.RawQuery, "zip_code=00000000") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"item_id":"MLB1","options":[{"name":"normal","cost":19.9}]}`)
	}))
	defer server.Close()

	client, _ := newTestClient(server.URL)
	quotes := client.FetchShippingQuotes(context.Background(), "tok", "MLB1", map[string]string{
		"ok":  "01310100",
		"bad": "00000000",
	})

	if quotes["ok"] == nil {
		t.Error("正常邮编应返回文档")
	}
	if quotes["bad"] != nil {
		t.Error("失败邮编的值应为 nil (稍后重做，不是当作不存在)")
	}
}

// ==================== Token 接口 ====================

func TestClient_RefreshToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		_ = r.ParseForm()
		if r.PostFormValue("grant_type") != "refresh_token" {
			t.Errorf("grant_type = %s", r.PostFormValue("grant_type"))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"new-access","refresh_token":"new-refresh","expires_in":21600,"user_id":111}`)
	}))
	defer server.Close()

	client, _ := newTestClient(server.URL)
	resp, err := client.RefreshToken(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("刷新失败: %v", err)
	}
	if resp.AccessToken != "new-access" || resp.RefreshToken != "new-refresh" {
		t.Errorf("token 对不符: %+v", resp)
	}
}

func TestClient_RefreshToken_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	defer server.Close()

	client, _ := newTestClient(server.URL)
	if _, err := client.RefreshToken(context.Background(), "bad"); err == nil {
		t.Error("被拒绝的刷新应当报错")
	}
}
