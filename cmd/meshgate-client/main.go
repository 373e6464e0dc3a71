package main

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

var (
	addr    = flag.String("addr", "localhost:8080", "http service address")
	user    = flag.String("user", "", "user id")
	name    = flag.String("name", "", "display name")
	secret  = flag.String("secret", "", "secret")
	channel = flag.String("channel", "", "channel id or name to send to")
	msg     = flag.String("msg", "", "message to send after auth")
)

func tokenMD5(secret, user, name, timestamp string) string {
	h := md5.New()
	h.Write([]byte(secret + user + name + timestamp))
	return hex.EncodeToString(h.Sum(nil))
}

type frame struct {
	Type    string          `json:"t"`
	Payload json.RawMessage `json:"p,omitempty"`
}

func send(c *websocket.Conn, t string, v interface{}) error {
	p, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame{Type: t, Payload: p})
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

func main() {
	flag.Parse()
	log.SetFlags(0)

	if *user == "" || *name == "" {
		log.Fatalln("no user or no name")
	}

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws"}
	log.Printf("connecting to %s", u.String())

	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer c.Close()

	ts := time.Now().Unix()
	err = send(c, "auth", map[string]interface{}{
		"userId":   *user,
		"userName": *name,
		"token":    tokenMD5(*secret, *user, *name, fmt.Sprint(ts)),
		"ts":       ts,
	})
	if err != nil {
		log.Fatal("auth:", err)
	}

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			log.Println("read:", err)
			return
		}
		f := frame{}
		if err := json.Unmarshal(message, &f); err != nil {
			log.Println("read json:", err)
			continue
		}
		log.Printf("recv[%s]: %s", f.Type, f.Payload)

		if f.Type == "auth_ok" && *channel != "" && *msg != "" {
			err = send(c, "message", map[string]interface{}{
				"channelId": *channel,
				"content":   *msg,
			})
			if err != nil {
				log.Println("send:", err)
			}
		}
	}
}
