// Package websocket - шлюз событий реального времени для сессий обмена.
//
// Каждое соединение попадает в личную комнату пользователя, а после
// join_trade_session ещё и в комнату сессии. События сессии рассылаются
// только после коммита, в порядке записи в журнал.
//
// Живой канал доставляет события не более одного раза: при переподключении
// часть событий может потеряться. Поэтому клиент обязан:
//
//   - после joined_session загрузить историю через GET /api/chats/:id/messages
//     и состояние через GET /api/trades/:id, а события с seq не больше
//     последнего загруженного отбрасывать;
//   - повторять join_trade_session, если за разумное время не пришло
//     joined_session или error;
//   - повторять отправку сообщения с тем же client_message_id, тогда
//     дубликат не появится;
//   - повторять approve и смену статуса без опасений: они идемпотентны.
package websocket
