package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/roomcast/pkg/auth"
	"github.com/mahaj/roomcast/pkg/model"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Client error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	serverAddr := flag.String("addr", "localhost:8080", "gateway address")
	room := flag.String("room", "general", "room name or id")
	status := flag.Bool("status", false, "watch the presence channel instead of a room")
	history := flag.Int("history", 20, "messages to backfill before going live, 0 to skip")
	token := flag.String("token", "", "access token")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "mint a development token with this secret when -token is empty")
	userID := flag.Int64("user-id", 1, "user id for a minted token")
	username := flag.String("username", "user1", "username for a minted token")
	flag.Parse()

	if *token == "" {
		if *secret == "" {
			return errors.New("either -token or -secret is required")
		}
		minted, err := auth.NewIssuer(*secret, time.Hour).GenerateToken(model.User{ID: *userID, Username: *username})
		if err != nil {
			return fmt.Errorf("minting token: %w", err)
		}
		*token = minted
	}
	header := http.Header{}
	header.Add("Authorization", "Bearer "+*token)

	path := "/ws/chat/" + *room + "/"
	if *status {
		path = "/ws/status/"
	} else if *history > 0 {
		if err := backfill(*serverAddr, *room, *history, header); err != nil {
			return err
		}
	}

	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: path}
	fmt.Fprintf(os.Stderr, "connecting to %s\n", u.String())
	c, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		done <- readLoop(c)
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	if !*status {
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			fmt.Print("> ")
			for scanner.Scan() {
				text := scanner.Text()
				if text == "/quit" {
					interrupt <- os.Interrupt
					return
				}
				frame, _ := json.Marshal(map[string]string{"message": text})
				if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
					fmt.Fprintln(os.Stderr, "write:", err)
					return
				}
				fmt.Print("> ")
			}
		}()
	}

	select {
	case err := <-done:
		return err
	case <-interrupt:
		// Cleanly close the connection by sending a close message and then
		// waiting (with timeout) for the server to close the connection.
		err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil {
			return fmt.Errorf("write close: %w", err)
		}
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return nil
	}
}

func readLoop(c *websocket.Conn) error {
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		fmt.Printf("\r%s\n> ", render(data))
	}
}

func render(data []byte) string {
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return string(data)
	}
	if _, ok := frame["type"]; ok {
		var status model.StatusFrame
		var failure model.ErrorFrame
		switch {
		case json.Unmarshal(data, &status) == nil && status.Type == model.TypeUserStatus:
			state := "offline"
			if status.Status {
				state = "online"
			}
			return fmt.Sprintf("* user %d is %s", status.UserID, state)
		case json.Unmarshal(data, &failure) == nil && failure.Type == model.TypeError:
			return fmt.Sprintf("! %s: %s", failure.Code, failure.Error)
		}
		return string(data)
	}
	var chat model.ChatFrame
	if err := json.Unmarshal(data, &chat); err != nil {
		return string(data)
	}
	return fmt.Sprintf("%s: %s", chat.Username, chat.Message)
}

func backfill(addr, room string, limit int, header http.Header) error {
	u := url.URL{
		Scheme:   "http",
		Host:     addr,
		Path:     "/rooms/" + room + "/messages/",
		RawQuery: url.Values{"limit": {strconv.Itoa(limit)}}.Encode(),
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header = header.Clone()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("history request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("history request failed: %s", resp.Status)
	}

	var messages []model.Message
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return fmt.Errorf("decoding history: %w", err)
	}
	for _, m := range messages {
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format(time.Kitchen), m.SenderName, m.Body)
	}
	return nil
}
