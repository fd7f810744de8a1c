package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"pair_chat/internal/model"
	"pair_chat/internal/repository/blob"
	"pair_chat/internal/repository/conversation"
	userRepo "pair_chat/internal/repository/user"
	"pair_chat/internal/service/auth"
	"pair_chat/internal/utils/log"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 10
	searchLimit     = 20
	maxBodySize     = 1 << 20
)

type (
	credentials struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	loginResponse struct {
		Token  string `json:"token"`
		UserID string `json:"userId"`
	}

	userResponse struct {
		ID       string `json:"userId"`
		Username string `json:"username"`
	}

	createChatRequest struct {
		OtherUserID string `json:"otherUserId"`
	}

	authedHandler func(w http.ResponseWriter, r *http.Request, userID string)
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorEvent{Error: msg})
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *HttpServer) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.auth.Authenticate(r)
		if err != nil {
			log.Debug("request unauthenticated", zap.String("path", r.URL.Path), zap.Error(err))
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, userID)
	}
}

func (s *HttpServer) Register() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req credentials
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		user, err := s.auth.Register(r.Context(), req.Username, req.Password)
		switch {
		case errors.Is(err, auth.ErrInvalidUsername), errors.Is(err, auth.ErrInvalidPassword):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, userRepo.ErrUserExists):
			writeError(w, http.StatusConflict, err.Error())
			return
		case err != nil:
			log.Error("register failed", zap.String("username", req.Username), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "register failed")
			return
		}

		log.Info("user registered", zap.String("user_id", user.ID.Hex()))
		writeJSON(w, http.StatusCreated, userResponse{ID: user.ID.Hex(), Username: user.Name})
	}
}

func (s *HttpServer) Login() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		ok, err := s.limiter.Allow(r.Context(), ip)
		if err != nil {
			log.Error("login limiter failed", zap.String("ip", ip), zap.Error(err))
		} else if !ok {
			writeError(w, http.StatusTooManyRequests, "too many login attempts, try again later")
			return
		}

		var req credentials
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		token, user, err := s.auth.Login(r.Context(), req.Username, req.Password)
		if errors.Is(err, auth.ErrBadCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if err != nil {
			log.Error("login failed", zap.String("username", req.Username), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "login failed")
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     auth.CookieName,
			Value:    token,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteStrictMode,
			Expires:  time.Now().Add(s.auth.TTL()),
		})
		writeJSON(w, http.StatusOK, loginResponse{Token: token, UserID: user.ID.Hex()})
	}
}

func (s *HttpServer) LoginCheck() authedHandler {
	return func(w http.ResponseWriter, r *http.Request, userID string) {
		user, err := s.users.GetByID(r.Context(), userID)
		if errors.Is(err, userRepo.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if err != nil {
			log.Error("login check failed", zap.String("user_id", userID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "login check failed")
			return
		}
		writeJSON(w, http.StatusOK, userResponse{ID: userID, Username: user.Name})
	}
}

func (s *HttpServer) Logout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{
			Name:     auth.CookieName,
			Value:    "",
			Path:     "/",
			HttpOnly: true,
			MaxAge:   -1,
		})
		writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
	}
}

func (s *HttpServer) ListChats() authedHandler {
	return func(w http.ResponseWriter, r *http.Request, userID string) {
		ctx := r.Context()

		convs, err := s.conversations.ListByParticipant(ctx, userID)
		if err != nil {
			log.Error("list chats failed", zap.String("user_id", userID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list chats failed")
			return
		}

		res := make([]model.ConversationSummary, 0, len(convs))
		for _, c := range convs {
			summary := model.ConversationSummary{
				ID:           c.ID.Hex(),
				PeerID:       c.Peer(userID),
				MessageCount: c.MessageCount,
				CreatedAt:    c.CreatedAt,
			}
			if peer, err := s.users.GetByID(ctx, summary.PeerID); err == nil {
				summary.PeerName = peer.Name
			}
			res = append(res, summary)
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *HttpServer) SearchUsers() authedHandler {
	return func(w http.ResponseWriter, r *http.Request, userID string) {
		query := strings.TrimSpace(r.URL.Query().Get("query"))
		if query == "" {
			writeError(w, http.StatusBadRequest, "invalid search query")
			return
		}

		users, err := s.users.Search(r.Context(), query, userID, searchLimit)
		if err != nil {
			log.Error("search users failed", zap.String("user_id", userID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "search failed")
			return
		}

		res := make([]userResponse, 0, len(users))
		for _, u := range users {
			res = append(res, userResponse{ID: u.ID.Hex(), Username: u.Name})
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *HttpServer) CreateChat() authedHandler {
	return func(w http.ResponseWriter, r *http.Request, userID string) {
		var req createChatRequest
		if err := decodeBody(r, &req); err != nil || req.OtherUserID == "" {
			writeError(w, http.StatusBadRequest, "missing otherUserId")
			return
		}
		if req.OtherUserID == userID {
			writeError(w, http.StatusBadRequest, conversation.ErrSelfConversation.Error())
			return
		}

		ctx := r.Context()
		peer, err := s.users.GetByID(ctx, req.OtherUserID)
		if errors.Is(err, userRepo.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			log.Error("create chat failed", zap.String("user_id", userID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "create chat failed")
			return
		}

		c, err := s.conversations.FindOrCreate(ctx, userID, req.OtherUserID)
		if err != nil {
			log.Error("create chat failed", zap.String("user_id", userID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "create chat failed")
			return
		}

		writeJSON(w, http.StatusOK, model.ConversationSummary{
			ID:           c.ID.Hex(),
			PeerID:       req.OtherUserID,
			PeerName:     peer.Name,
			MessageCount: c.MessageCount,
			CreatedAt:    c.CreatedAt,
		})
	}
}

func parsePaging(r *http.Request, maxSize int) (page, size int, err error) {
	page, size = 1, defaultPageSize

	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil || page < 1 {
			return 0, 0, conversation.ErrInvalidPage
		}
	}
	if v := q.Get("limit"); v != "" {
		if size, err = strconv.Atoi(v); err != nil || size < 1 {
			return 0, 0, conversation.ErrInvalidPage
		}
	}
	if size > maxSize {
		return 0, 0, fmt.Errorf("%w: limit above %d", conversation.ErrInvalidPage, maxSize)
	}
	return page, size, nil
}

func (s *HttpServer) GetMessages() authedHandler {
	return func(w http.ResponseWriter, r *http.Request, userID string) {
		ctx := r.Context()
		conversationID := mux.Vars(r)["conversationId"]

		page, size, err := parsePaging(r, s.opts.MaxPageSize)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		c, err := s.conversations.Get(ctx, conversationID)
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			log.Error("get messages failed", zap.String("conversation_id", conversationID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "get messages failed")
			return
		}
		if !c.HasParticipant(userID) {
			log.Warn("history read rejected", zap.String("conversation_id", conversationID), zap.String("user_id", userID))
			writeError(w, http.StatusForbidden, errNotParticipant.Error())
			return
		}

		msgs, err := s.conversations.Page(ctx, conversationID, page, size)
		if err != nil {
			log.Error("get messages failed", zap.String("conversation_id", conversationID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "get messages failed")
			return
		}

		res := make([]model.Delivery, 0, len(msgs))
		for _, m := range msgs {
			res = append(res, m.Delivery())
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *HttpServer) GetFile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		key := blob.Key(vars["conversationId"], vars["name"])

		rc, contentType, err := s.blobs.Open(r.Context(), key)
		if errors.Is(err, blob.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			log.Error("open file failed", zap.String("key", key), zap.Error(err))
			http.Error(w, "open file failed", http.StatusInternalServerError)
			return
		}
		defer rc.Close()

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("X-Content-Type-Options", "nosniff")
		if _, err := io.Copy(w, rc); err != nil {
			log.Debug("stream file failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// HandleWS authenticates before anything else. A connection without a
// valid session is upgraded only to be told why and closed with a policy
// violation, so the client can tell it apart from a network drop.
func (s *HttpServer) HandleWS(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, authErr := s.auth.Authenticate(r)

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("web socket upgrade failed", zap.Error(err))
			return
		}

		if authErr != nil {
			log.Info("web socket rejected", zap.String("remote", r.RemoteAddr), zap.Error(authErr))
			rejectConn(conn, authErr)
			return
		}

		c := newClient(s, conn, userID)
		log.Debug("client connected", zap.String("client_id", c.id), zap.String("user_id", userID))

		go c.writePump()
		go c.readPump(ctx)
		go func() {
			select {
			case <-ctx.Done():
				c.close()
			case <-c.done:
			}
		}()
	}
}

func rejectConn(conn *websocket.Conn, cause error) {
	defer conn.Close()

	msg := "authentication failed"
	switch {
	case errors.Is(cause, auth.ErrMissingToken):
		msg = "no token provided"
	case errors.Is(cause, auth.ErrTokenExpired):
		msg = "token expired"
	case errors.Is(cause, auth.ErrInvalidToken):
		msg = "invalid token"
	}

	deadline := time.Now().Add(writeWait)
	_ = conn.SetWriteDeadline(deadline)
	if env, err := model.NewEnvelope(model.EventError, model.ErrorEvent{Error: msg}); err == nil {
		_ = conn.WriteJSON(env)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg), deadline)
}
