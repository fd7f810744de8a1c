package app

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"pair_chat/internal/model"
	"pair_chat/internal/utils/log"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const apiTimeout = 15 * time.Second

type (
	// API is the request/response side of the server: accounts,
	// conversations and history.
	API struct {
		baseURL string
		client  *resty.Client
	}

	APIError struct {
		Status  int
		Message string
	}

	Session struct {
		Token  string `json:"token"`
		UserID string `json:"userId"`
	}

	UserInfo struct {
		ID       string `json:"userId"`
		Username string `json:"username"`
	}

	errorBody struct {
		Error string `json:"error"`
	}
)

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

func NewAPI(baseURL string) *API {
	baseURL = strings.TrimRight(baseURL, "/")
	return &API{
		baseURL: baseURL,
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(apiTimeout).
			SetHeader("Accept", "application/json"),
	}
}

func (a *API) request(ctx context.Context) *resty.Request {
	return a.client.R().SetContext(ctx).SetError(&errorBody{})
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		apiErr := &APIError{Status: resp.StatusCode(), Message: resp.Status()}
		if body, ok := resp.Error().(*errorBody); ok && body.Error != "" {
			apiErr.Message = body.Error
		}
		log.Debug("api request failed", zap.String("url", resp.Request.URL), zap.Error(apiErr))
		return apiErr
	}
	return nil
}

func (a *API) Register(ctx context.Context, username, password string) (*UserInfo, error) {
	var res UserInfo
	err := check(a.request(ctx).
		SetBody(map[string]string{"username": username, "password": password}).
		SetResult(&res).
		Post("/user/register"))
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Login authenticates and uses the returned token for every later call.
func (a *API) Login(ctx context.Context, username, password string) (*Session, error) {
	var res Session
	err := check(a.request(ctx).
		SetBody(map[string]string{"username": username, "password": password}).
		SetResult(&res).
		Post("/user/login"))
	if err != nil {
		return nil, err
	}
	a.client.SetAuthToken(res.Token)
	return &res, nil
}

func (a *API) Me(ctx context.Context) (*UserInfo, error) {
	var res UserInfo
	if err := check(a.request(ctx).SetResult(&res).Get("/user/login/check")); err != nil {
		return nil, err
	}
	return &res, nil
}

func (a *API) Chats(ctx context.Context) ([]model.ConversationSummary, error) {
	var res []model.ConversationSummary
	if err := check(a.request(ctx).SetResult(&res).Get("/chats")); err != nil {
		return nil, err
	}
	return res, nil
}

func (a *API) SearchUsers(ctx context.Context, query string) ([]UserInfo, error) {
	var res []UserInfo
	err := check(a.request(ctx).
		SetQueryParam("query", query).
		SetResult(&res).
		Get("/chats/search"))
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (a *API) CreateChat(ctx context.Context, otherUserID string) (*model.ConversationSummary, error) {
	var res model.ConversationSummary
	err := check(a.request(ctx).
		SetBody(map[string]string{"otherUserId": otherUserID}).
		SetResult(&res).
		Post("/chats/create"))
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Messages reads one page of history, oldest first.
func (a *API) Messages(ctx context.Context, conversationID string, page, size int) ([]model.Delivery, error) {
	var res []model.Delivery
	err := check(a.request(ctx).
		SetPathParam("conversationId", conversationID).
		SetQueryParams(map[string]string{
			"page":  strconv.Itoa(page),
			"limit": strconv.Itoa(size),
		}).
		SetResult(&res).
		Get("/chats/{conversationId}/messages"))
	if err != nil {
		return nil, err
	}
	return res, nil
}

// WebsocketURL is the realtime endpoint next to the API base URL.
func (a *API) WebsocketURL() (string, error) {
	u, err := url.Parse(a.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
