// Package collaboration 提供进程内的智能体消息中心（MessageHub）。
//
// 消息中心为每个智能体维护一个有界收件箱，支持点对点、广播以及
// 请求/应答三种投递方式。协调核心把它当作宿主提供的可靠点对点
// 投递原语使用：交接协调器通过 Request 发送交接并等待确认。
package collaboration
