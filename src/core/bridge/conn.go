package bridge

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrConnectionClosed = errors.New("websocket connection is closed")
)

// pageConn 一个页面代理的websocket连接
type pageConn struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex // 写操作互斥锁
	closed       int32      // 0=open, 1=closed
	lastActive   int64
	writeTimeout time.Duration

	id  string
	url string
}

func newPageConn(conn *websocket.Conn, writeTimeout time.Duration) *pageConn {
	return &pageConn{
		conn:         conn,
		writeTimeout: writeTimeout,
		lastActive:   time.Now().UnixNano(),
	}
}

func (p *pageConn) readMessage(idle time.Duration) ([]byte, error) {
	if atomic.LoadInt32(&p.closed) == 1 {
		return nil, ErrConnectionClosed
	}

	p.conn.SetReadDeadline(time.Now().Add(idle))
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		atomic.StoreInt32(&p.closed, 1)
		return nil, err
	}
	atomic.StoreInt64(&p.lastActive, time.Now().UnixNano())
	return data, nil
}

func (p *pageConn) writeMessage(msg *Message) error {
	if atomic.LoadInt32(&p.closed) == 1 {
		return ErrConnectionClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	// 获取锁期间连接可能已关闭
	if atomic.LoadInt32(&p.closed) == 1 {
		return ErrConnectionClosed
	}

	p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		atomic.StoreInt32(&p.closed, 1)
		return err
	}
	atomic.StoreInt64(&p.lastActive, time.Now().UnixNano())
	return nil
}

// close 发送关闭帧后关闭底层连接；读写出错后只关闭底层连接
func (p *pageConn) close() error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return p.conn.Close()
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "connection closed")
	p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	p.conn.WriteMessage(websocket.CloseMessage, closeMsg)

	return p.conn.Close()
}

func (p *pageConn) lastActiveTime() time.Time {
	return time.Unix(0, atomic.LoadInt64(&p.lastActive))
}
