/*
Package jsbridge converts values between Go and an embedded JavaScript engine.

Plain data (numbers, strings, arrays, string-keyed objects, dates, errors)
is copied across in both directions. Other script objects reach Go as live
proxies (Object, Array, Function) backed by a reference table, and Go
functions become callable from script. Errors keep their identity when they
cross the bridge and come back.

A Runtime owns one object heap. Contexts run code on it, either sharing the
main global object or with an isolated one, and can be suspended while a
host function waits on other work.
*/
package jsbridge
