package oracle

import (
	"errors"
	"net/http"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"futures-trader/internal/config"
)

func testClient() *Client {
	return &Client{
		cfg:    config.OpenAIConfig{Model: "gpt-5-mini", MaxAttempts: 3},
		logger: zap.NewNop(),
	}
}

func TestPlanFromContentEmptyMeansNoActions(t *testing.T) {
	client := testClient()

	plan := client.planFromContent("")
	if len(plan.Actions) != 0 {
		t.Fatalf("空输出应视为无指令: %+v", plan)
	}
	plan = client.planFromContent("   \n\t ")
	if len(plan.Actions) != 0 {
		t.Fatalf("空白输出应视为无指令: %+v", plan)
	}
}

func TestPlanFromContentUnparseableMeansNoActions(t *testing.T) {
	client := testClient()

	plan := client.planFromContent("I would rather hold today.")
	if len(plan.Actions) != 0 {
		t.Fatalf("无法解析的输出应视为无指令: %+v", plan)
	}
	plan = client.planFromContent(`{"actions":[{"action":"hold"`)
	if len(plan.Actions) != 0 {
		t.Fatalf("不完整JSON应视为无指令: %+v", plan)
	}
}

func TestPlanFromContentFiltersInvalidActions(t *testing.T) {
	client := testClient()

	content := `{"actions":[
		{"action":"hold","pair":"A/USDT:USDT"},
		{"action":"open","pair":"B/USDT:USDT","limit":0,"sl":10},
		{"action":"close_partial","pair":"C/USDT:USDT","pct":30}
	]}`
	plan := client.planFromContent(content)
	if len(plan.Actions) != 2 {
		t.Fatalf("非法指令应被剔除, got %d", len(plan.Actions))
	}
	if plan.Actions[1].Action != ActionClosePartial || plan.Actions[1].Percent != 30 {
		t.Fatalf("close_partial 解析不符: %+v", plan.Actions[1])
	}
}

func TestIsRetryableRequestError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"网络错误可重试", errors.New("connection reset"), true},
		{"限流可重试", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, true},
		{"服务端错误可重试", &openai.APIError{HTTPStatusCode: http.StatusBadGateway}, true},
		{"鉴权失败不重试", &openai.APIError{HTTPStatusCode: http.StatusUnauthorized}, false},
		{"参数错误不重试", &openai.APIError{HTTPStatusCode: http.StatusBadRequest}, false},
	}
	for _, tc := range cases {
		if got := isRetryableRequestError(tc.err); got != tc.want {
			t.Errorf("%s: want %v, got %v", tc.name, tc.want, got)
		}
	}
}
