package server

import (
	"bytes"

	"golang.org/x/net/html"
)

// reloadScript is the client side of the live-reload channel: fetch a token
// from the handshake endpoint, open the websocket with it, and reload the
// page on any message. On close, retry the whole handshake so an expired
// token re-authenticates instead of looping on a dead socket.
const reloadScript = `(function () {
  function connect() {
    fetch("/livereload/token")
      .then(function (res) {
        if (!res.ok) { throw new Error("handshake refused"); }
        return res.json();
      })
      .then(function (body) {
        var proto = location.protocol === "https:" ? "wss://" : "ws://";
        var ws = new WebSocket(proto + location.host + "/livereload?token=" + body.token);
        ws.onmessage = function () { location.reload(); };
        ws.onclose = function () { setTimeout(connect, 2000); };
      })
      .catch(function () { setTimeout(connect, 5000); });
  }
  connect();
})();`

// injectReloadScript parses the served HTML and appends the reload client
// as the last child of <body>. Pages without a body element (fragments,
// non-HTML payloads that slipped through) are returned unmodified rather
// than corrupted.
func injectReloadScript(page []byte) []byte {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return page
	}

	body := findElement(doc, "body")
	if body == nil {
		return page
	}

	script := &html.Node{
		Type: html.ElementNode,
		Data: "script",
	}
	script.AppendChild(&html.Node{
		Type: html.TextNode,
		Data: reloadScript,
	})
	body.AppendChild(script)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return page
	}

	return buf.Bytes()
}

func findElement(node *html.Node, name string) *html.Node {
	if node.Type == html.ElementNode && node.Data == name {
		return node
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if found := findElement(child, name); found != nil {
			return found
		}
	}
	return nil
}
